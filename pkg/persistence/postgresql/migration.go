package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE schedules (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				recurrence JSONB NOT NULL,
				time_of_day VARCHAR(5) NOT NULL DEFAULT '00:00',
				timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
				start_date DATE,
				end_date DATE,
				execution_window JSONB,
				skip_weekends BOOLEAN NOT NULL DEFAULT false,
				skip_holidays BOOLEAN NOT NULL DEFAULT false,
				blackout_ranges JSONB NOT NULL DEFAULT '[]',
				next_scheduled_at TIMESTAMP WITH TIME ZONE,
				last_executed_at TIMESTAMP WITH TIME ZONE,
				active BOOLEAN NOT NULL DEFAULT true,
				unsatisfiable BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_schedules_automation_id ON schedules(automation_id);
			CREATE INDEX idx_schedules_active_due ON schedules(active, next_scheduled_at) WHERE active = true;

			CREATE TABLE schedule_exceptions (
				id VARCHAR(255) PRIMARY KEY,
				schedule_id VARCHAR(255) NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
				kind VARCHAR(20) NOT NULL CHECK (kind IN ('skip', 'reschedule', 'modify')),
				applies_from DATE NOT NULL,
				applies_to DATE,
				replacement_time TIMESTAMP WITH TIME ZONE,
				override_config JSONB,
				reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_schedule_exceptions_schedule_id ON schedule_exceptions(schedule_id);

			CREATE TABLE automations (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL,
				schedule_id VARCHAR(255),
				recipients JSONB NOT NULL,
				variables JSONB,
				rate_limit_per_hour INT NOT NULL DEFAULT 0,
				batches_per_hour INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255),
				flow_id VARCHAR(255) NOT NULL,
				schedule_id VARCHAR(255),
				triggered_by VARCHAR(20) NOT NULL,
				status VARCHAR(20) NOT NULL,
				recipient_total INT NOT NULL DEFAULT 0,
				recipient_succeeded INT NOT NULL DEFAULT 0,
				recipient_failed INT NOT NULL DEFAULT 0,
				recipient_cancelled INT NOT NULL DEFAULT 0,
				recipient_pending INT NOT NULL DEFAULT 0,
				override_config JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_automation_id ON executions(automation_id);
			CREATE INDEX idx_executions_status ON executions(status);

			CREATE TABLE recipient_tasks (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				contact_ref VARCHAR(255) NOT NULL,
				variables JSONB,
				status VARCHAR(20) NOT NULL,
				retry_count INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				conversation_id VARCHAR(255) NOT NULL DEFAULT '',
				flow_state JSONB NOT NULL DEFAULT '{}',
				receipts JSONB NOT NULL DEFAULT '[]',
				next_attempt_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_recipient_tasks_execution_id ON recipient_tasks(execution_id);
			CREATE INDEX idx_recipient_tasks_status ON recipient_tasks(status);

			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				start_node_id VARCHAR(255) NOT NULL DEFAULT '',
				nodes JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE queues (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				department_id VARCHAR(255) NOT NULL DEFAULT '',
				max_queue_size INT NOT NULL DEFAULT 0,
				overflow_queue_id VARCHAR(255),
				max_conversations_per_agent INT NOT NULL DEFAULT 0,
				routing_mode VARCHAR(20) NOT NULL DEFAULT 'manual',
				sla_minutes INT NOT NULL DEFAULT 0,
				business_hours JSONB,
				agent_ids JSONB NOT NULL DEFAULT '[]',
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_queues_department_id ON queues(department_id);

			CREATE TABLE conversations (
				id VARCHAR(255) PRIMARY KEY,
				contact_ref VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL,
				is_bot_active BOOLEAN NOT NULL DEFAULT true,
				queue_id VARCHAR(255) NOT NULL DEFAULT '',
				queue_priority INT NOT NULL DEFAULT 0,
				queued_at TIMESTAMP WITH TIME ZONE,
				assigned_agent_id VARCHAR(255) NOT NULL DEFAULT '',
				assigned_at TIMESTAMP WITH TIME ZONE,
				closed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				CHECK (NOT (is_bot_active AND status IN ('queued', 'active')))
			);

			CREATE INDEX idx_conversations_contact_ref ON conversations(contact_ref);
			CREATE INDEX idx_conversations_queued ON conversations(queue_id, queue_priority DESC, queued_at ASC) WHERE status = 'queued';
			CREATE INDEX idx_conversations_agent ON conversations(assigned_agent_id) WHERE status = 'active';

			CREATE TABLE triggers (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(20) NOT NULL,
				priority INT NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT true,
				config JSONB NOT NULL
			);

			CREATE INDEX idx_triggers_type_priority ON triggers(type, priority DESC, id);

			CREATE TABLE contacts (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				phone VARCHAR(64) NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT true,
				variables JSONB
			);
		`,
		2: `
			ALTER TABLE conversations ADD COLUMN sla_breached_at TIMESTAMP WITH TIME ZONE;
		`,
	}
}
