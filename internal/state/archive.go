package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fableforge/pkg/models"
)

// ArchiveProject upserts a project's final record. Archiving the same
// project twice (e.g. failed then re-queried) keeps the latest row.
func (db *DB) ArchiveProject(project models.Project) error {
	contextJSON, err := json.Marshal(project.Context)
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}
	errorsJSON, err := json.Marshal(project.Errors)
	if err != nil {
		return fmt.Errorf("marshal project errors: %w", err)
	}

	var completedAt any
	if project.CompletedAt != nil {
		completedAt = formatTime(*project.CompletedAt)
	}

	_, err = db.Exec(`
		INSERT INTO projects (id, title, status, progress, context, errors, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			context = excluded.context,
			errors = excluded.errors,
			completed_at = excluded.completed_at
	`, project.ID, project.Title, string(project.Status), project.Progress,
		string(contextJSON), string(errorsJSON), formatTime(project.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("archive project %s: %w", project.ID, err)
	}
	return nil
}

// ArchiveTask records one terminal task attempt. Attempts are keyed by
// (id, retry_count) so each retry leaves its own row.
func (db *DB) ArchiveTask(task models.Task) error {
	var resultJSON any
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
		resultJSON = string(data)
	}

	var startedAt, completedAt any
	if task.StartedAt != nil {
		startedAt = formatTime(*task.StartedAt)
	}
	if task.CompletedAt != nil {
		completedAt = formatTime(*task.CompletedAt)
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, retry_count, project_id, stage, role, status, error, result, enqueued_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, retry_count) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			result = excluded.result,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, task.ID, task.RetryCount, task.ProjectID, task.Stage, task.Role,
		string(task.Status), task.Error, resultJSON, formatTime(task.EnqueuedAt), startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	return nil
}

// Project loads one archived project by ID.
func (db *DB) Project(id string) (models.Project, error) {
	row := db.QueryRow(`
		SELECT id, title, status, progress, context, errors, created_at, completed_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// Projects lists archived projects, most recent first.
func (db *DB) Projects(limit int) ([]models.Project, error) {
	rows, err := db.Query(`
		SELECT id, title, status, progress, context, errors, created_at, completed_at
		FROM projects ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Tasks lists every archived attempt for a project, in enqueue order.
func (db *DB) Tasks(projectID string) ([]models.Task, error) {
	rows, err := db.Query(`
		SELECT id, retry_count, project_id, stage, role, status, error, result, enqueued_at, started_at, completed_at
		FROM tasks WHERE project_id = ? ORDER BY enqueued_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var status, enqueuedAt string
		var errMsg, resultJSON, startedAt, completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.RetryCount, &t.ProjectID, &t.Stage, &t.Role,
			&status, &errMsg, &resultJSON, &enqueuedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = models.TaskStatus(status)
		t.Error = errMsg.String
		if resultJSON.Valid {
			if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
				return nil, fmt.Errorf("unmarshal task result: %w", err)
			}
		}
		if t.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		t.StartedAt = parseNullableTime(startedAt)
		t.CompletedAt = parseNullableTime(completedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecordSample appends one metric sample to the archive.
func (db *DB) RecordSample(sample models.MetricSample) error {
	_, err := db.Exec(`
		INSERT INTO metrics (sampled_at, gpu_utilization, cpu_utilization, queue_depth, running_tasks, active_projects)
		VALUES (?, ?, ?, ?, ?, ?)
	`, formatTime(sample.Timestamp), sample.GPUUtilization, sample.CPUUtilization,
		sample.QueueDepth, sample.RunningTasks, sample.ActiveProjects)
	if err != nil {
		return fmt.Errorf("record metric sample: %w", err)
	}
	return nil
}

// MetricHistory returns archived samples, oldest first, up to limit.
func (db *DB) MetricHistory(limit int) ([]models.MetricSample, error) {
	rows, err := db.Query(`
		SELECT sampled_at, gpu_utilization, cpu_utilization, queue_depth, running_tasks, active_projects
		FROM metrics ORDER BY sampled_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var s models.MetricSample
		var sampledAt string
		if err := rows.Scan(&sampledAt, &s.GPUUtilization, &s.CPUUtilization,
			&s.QueueDepth, &s.RunningTasks, &s.ActiveProjects); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		if s.Timestamp, err = parseTime(sampledAt); err != nil {
			return nil, fmt.Errorf("parse sampled_at: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// ExportHistory returns archived samples taken in [start, end], oldest
// first. RFC3339 storage makes the string comparison a time comparison.
func (db *DB) ExportHistory(start, end time.Time) ([]models.MetricSample, error) {
	rows, err := db.Query(`
		SELECT sampled_at, gpu_utilization, cpu_utilization, queue_depth, running_tasks, active_projects
		FROM metrics WHERE sampled_at >= ? AND sampled_at <= ? ORDER BY sampled_at
	`, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var samples []models.MetricSample
	for rows.Next() {
		var s models.MetricSample
		var sampledAt string
		if err := rows.Scan(&sampledAt, &s.GPUUtilization, &s.CPUUtilization,
			&s.QueueDepth, &s.RunningTasks, &s.ActiveProjects); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		if s.Timestamp, err = parseTime(sampledAt); err != nil {
			return nil, fmt.Errorf("parse sampled_at: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (models.Project, error) {
	var p models.Project
	var status, createdAt string
	var contextJSON, errorsJSON, completedAt sql.NullString

	err := row.Scan(&p.ID, &p.Title, &status, &p.Progress, &contextJSON, &errorsJSON, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project not found")
	}
	if err != nil {
		return p, fmt.Errorf("scan project: %w", err)
	}

	p.Status = models.ProjectStatus(status)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &p.Context); err != nil {
			return p, fmt.Errorf("unmarshal project context: %w", err)
		}
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &p.Errors); err != nil {
			return p, fmt.Errorf("unmarshal project errors: %w", err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("parse created_at: %w", err)
	}
	p.CompletedAt = parseNullableTime(completedAt)
	return p, nil
}
