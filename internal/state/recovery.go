package state

import (
	"fmt"
	"log"
	"time"

	"fableforge/pkg/models"
)

// InterruptedProject describes a project found in a non-terminal status
// at startup. Because the registry is in-memory, a process crash leaves
// such rows behind in the archive.
type InterruptedProject struct {
	ProjectID string
	Title     string
	Status    models.ProjectStatus
	CreatedAt time.Time
}

// CheckForInterrupted returns archived projects stuck in a non-terminal
// status. Returns nil when the archive is clean.
func (db *DB) CheckForInterrupted() ([]InterruptedProject, error) {
	rows, err := db.Query(`
		SELECT id, title, status, created_at FROM projects
		WHERE status NOT IN (?, ?, ?)
	`, string(models.ProjectStatusCompleted), string(models.ProjectStatusFailed), string(models.ProjectStatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("query interrupted projects: %w", err)
	}
	defer rows.Close()

	var interrupted []InterruptedProject
	for rows.Next() {
		var ip InterruptedProject
		var status, createdAt string
		if err := rows.Scan(&ip.ProjectID, &ip.Title, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interrupted project: %w", err)
		}
		ip.Status = models.ProjectStatus(status)
		if ip.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		interrupted = append(interrupted, ip)
	}
	return interrupted, rows.Err()
}

// CleanInterrupted marks every non-terminal archived project as failed
// and its dangling task attempts as cancelled. Returns the number of
// projects cleaned.
func (db *DB) CleanInterrupted() (int, error) {
	interrupted, err := db.CheckForInterrupted()
	if err != nil {
		return 0, err
	}

	now := formatTime(time.Now())
	for _, ip := range interrupted {
		_, err := db.Exec(`
			UPDATE projects SET status = ?, completed_at = ? WHERE id = ?
		`, string(models.ProjectStatusFailed), now, ip.ProjectID)
		if err != nil {
			return 0, fmt.Errorf("fail interrupted project %s: %w", ip.ProjectID, err)
		}

		_, err = db.Exec(`
			UPDATE tasks SET status = ?, error = 'interrupted by shutdown'
			WHERE project_id = ? AND status NOT IN (?, ?, ?, ?)
		`, string(models.TaskStatusCancelled), ip.ProjectID,
			string(models.TaskStatusSucceeded), string(models.TaskStatusFailed),
			string(models.TaskStatusTimedOut), string(models.TaskStatusCancelled))
		if err != nil {
			return 0, fmt.Errorf("cancel dangling tasks for %s: %w", ip.ProjectID, err)
		}

		log.Printf("[state] marked interrupted project %s (%s) as failed", ip.ProjectID, ip.Title)
	}
	return len(interrupted), nil
}
