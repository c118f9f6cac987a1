package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"huntd/pkg/db"
	"huntd/pkg/model"
)

type executionRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	HuntID            string `gorm:"size:128;not null"`
	HuntName          string `gorm:"size:128"`
	CaseID            string `gorm:"size:128;index;not null"`
	InitialParameters string `gorm:"type:text"`
	Status            string `gorm:"size:16;index;not null"`
	CancelRequested   bool
	StartedAt         time.Time
	CompletedAt       *time.Time
}

func (executionRow) TableName() string { return "hunt_executions" }

type stepRow struct {
	ExecutionID  string `gorm:"primaryKey;size:64"`
	StepID       string `gorm:"primaryKey;size:128"`
	Position     int
	PluginName   string `gorm:"size:128"`
	Status       string `gorm:"size:16"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorKind    string `gorm:"size:32"`
	ErrorMessage string `gorm:"type:text"`
}

func (stepRow) TableName() string { return "hunt_steps" }

type resultRow struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	Sequence    int64  `gorm:"primaryKey;autoIncrement:false"`
	StepID      string `gorm:"size:128"`
	Type        string `gorm:"size:16"`
	Payload     string `gorm:"type:mediumtext"`
	EmittedAt   time.Time
}

func (resultRow) TableName() string { return "hunt_results" }

type auditRow struct {
	ID          uint   `gorm:"primaryKey"`
	Actor       string `gorm:"size:128"`
	Action      string `gorm:"size:64"`
	ExecutionID string `gorm:"size:64;index"`
	CaseID      string `gorm:"size:128"`
	Detail      string `gorm:"type:text"`
	Timestamp   time.Time
}

func (auditRow) TableName() string { return "hunt_audit" }

// GormStore keeps executions in MySQL through gorm.
type GormStore struct {
	db *gorm.DB
	mu sync.Mutex // sequence assignment
}

func NewGormStore(dsn string) (*GormStore, error) {
	gdb, err := db.Open(dsn, &executionRow{}, &stepRow{}, &resultRow{}, &auditRow{})
	if err != nil {
		return nil, err
	}
	return &GormStore{db: gdb}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateExecution(e model.HuntExecution) error {
	params, err := json.Marshal(e.InitialParameters)
	if err != nil {
		return fmt.Errorf("encode initial parameters: %w", err)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&executionRow{}).Where("id = ?", e.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrExists, e.ID)
		}
		row := executionRow{
			ID:                e.ID,
			HuntID:            e.HuntID,
			HuntName:          e.HuntName,
			CaseID:            e.CaseID,
			InitialParameters: string(params),
			Status:            string(e.Status),
			CancelRequested:   e.CancelRequested,
			StartedAt:         e.StartedAt,
			CompletedAt:       e.CompletedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for i, st := range e.Steps {
			sr := stepRow{
				ExecutionID: e.ID,
				StepID:      st.StepID,
				Position:    i,
				PluginName:  st.PluginName,
				Status:      string(st.Status),
				StartedAt:   st.StartedAt,
				CompletedAt: st.CompletedAt,
			}
			if st.Error != nil {
				sr.ErrorKind, sr.ErrorMessage = string(st.Error.Kind), st.Error.Message
			}
			if err := tx.Create(&sr).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetExecution(id string, includeSteps bool) (model.HuntExecution, bool, error) {
	var row executionRow
	err := s.db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.HuntExecution{}, false, nil
	}
	if err != nil {
		return model.HuntExecution{}, false, err
	}
	e, err := row.toModel()
	if err != nil {
		return e, false, err
	}
	if !includeSteps {
		return e, true, nil
	}
	var steps []stepRow
	if err := s.db.Where("execution_id = ?", id).Order("position").Find(&steps).Error; err != nil {
		return e, false, err
	}
	index := map[string]int{}
	for _, sr := range steps {
		index[sr.StepID] = len(e.Steps)
		e.Steps = append(e.Steps, sr.toModel())
	}
	events, err := s.EventsSince(id, 0)
	if err != nil {
		return e, false, err
	}
	for _, ev := range events {
		if i, ok := index[ev.StepID]; ok {
			e.Steps[i].Results = append(e.Steps[i].Results, ev)
		}
	}
	return e, true, nil
}

func (s *GormStore) ListByCase(caseID string) ([]model.HuntExecution, error) {
	var rows []executionRow
	if err := s.db.Where("case_id = ?", caseID).Order("started_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.HuntExecution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *GormStore) AppendResult(executionID, stepID string, ev model.ResultEvent) (model.ResultEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sr, err := s.lockStep(tx, executionID, stepID)
		if err != nil {
			return err
		}
		if model.StepStatus(sr.Status) != model.StepRunning {
			return fmt.Errorf("%w: %s is %s", ErrStepNotRunning, stepID, sr.Status)
		}
		var last int64
		if err := tx.Model(&resultRow{}).Where("execution_id = ?", executionID).
			Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
			return err
		}
		ev.Sequence = last + 1
		ev.ExecutionID = executionID
		ev.StepID = stepID
		if ev.EmittedAt.IsZero() {
			ev.EmittedAt = time.Now().UTC()
		}
		return tx.Create(&resultRow{
			ExecutionID: executionID,
			Sequence:    ev.Sequence,
			StepID:      stepID,
			Type:        string(ev.Type),
			Payload:     string(ev.Payload),
			EmittedAt:   ev.EmittedAt,
		}).Error
	})
	return ev, err
}

func (s *GormStore) SetStepStatus(executionID, stepID string, u StepUpdate) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		sr, err := s.lockStep(tx, executionID, stepID)
		if err != nil {
			return err
		}
		st := sr.toModel()
		if err := applyStepUpdate(&st, u); err != nil {
			return err
		}
		updates := map[string]interface{}{
			"status":       string(st.Status),
			"started_at":   st.StartedAt,
			"completed_at": st.CompletedAt,
		}
		if st.Error != nil {
			updates["error_kind"] = string(st.Error.Kind)
			updates["error_message"] = st.Error.Message
		}
		return tx.Model(&stepRow{}).
			Where("execution_id = ? AND step_id = ?", executionID, stepID).
			Updates(updates).Error
	})
}

func (s *GormStore) SetExecutionStatus(executionID string, status model.ExecutionStatus, at time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row, err := lockExecution(tx, executionID)
		if err != nil {
			return err
		}
		if err := checkExecutionTransition(model.ExecutionStatus(row.Status), status); err != nil {
			return err
		}
		updates := map[string]interface{}{"status": string(status)}
		if status.IsTerminal() {
			updates["completed_at"] = at
		}
		return tx.Model(&executionRow{}).Where("id = ?", executionID).Updates(updates).Error
	})
}

func (s *GormStore) MarkCancelRequested(executionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row, err := lockExecution(tx, executionID)
		if err != nil {
			return err
		}
		if model.ExecutionStatus(row.Status).IsTerminal() {
			return ErrAlreadyTerminal
		}
		return tx.Model(&executionRow{}).Where("id = ?", executionID).Update("cancel_requested", true).Error
	})
}

func (s *GormStore) EventsSince(executionID string, since int64) ([]model.ResultEvent, error) {
	var rows []resultRow
	if err := s.db.Where("execution_id = ? AND sequence > ?", executionID, since).Order("sequence").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if _, err := lockExecution(s.db, executionID); err != nil {
			return nil, err
		}
	}
	out := make([]model.ResultEvent, 0, len(rows))
	for _, r := range rows {
		ev := model.ResultEvent{
			Sequence:    r.Sequence,
			ExecutionID: r.ExecutionID,
			StepID:      r.StepID,
			Type:        model.EventType(r.Type),
			EmittedAt:   r.EmittedAt.UTC(),
		}
		if r.Payload != "" {
			ev.Payload = json.RawMessage(r.Payload)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *GormStore) DeleteExecution(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := lockExecution(tx, id); err != nil {
			return err
		}
		return deleteExecutionGorm(tx, id)
	})
}

func (s *GormStore) PruneFinishedBefore(cutoff time.Time) (int, error) {
	var ids []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		terminal := []string{
			string(model.ExecutionCompleted), string(model.ExecutionPartial),
			string(model.ExecutionFailed), string(model.ExecutionCancelled),
		}
		if err := tx.Model(&executionRow{}).
			Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", terminal, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		for _, id := range ids {
			if err := deleteExecutionGorm(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *GormStore) AppendAudit(entry model.AuditEntry) error {
	return s.db.Create(&auditRow{
		Actor:       entry.Actor,
		Action:      entry.Action,
		ExecutionID: entry.ExecutionID,
		CaseID:      entry.CaseID,
		Detail:      entry.Detail,
		Timestamp:   entry.Timestamp,
	}).Error
}

func (s *GormStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = auditLimit
	}
	var rows []auditRow
	if err := s.db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = model.AuditEntry{
			Actor:       r.Actor,
			Action:      r.Action,
			ExecutionID: r.ExecutionID,
			CaseID:      r.CaseID,
			Detail:      r.Detail,
			Timestamp:   r.Timestamp.UTC(),
		}
	}
	return out, nil
}

func (s *GormStore) lockStep(tx *gorm.DB, executionID, stepID string) (stepRow, error) {
	var sr stepRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("execution_id = ? AND step_id = ?", executionID, stepID).First(&sr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, err := lockExecution(tx, executionID); err != nil {
			return sr, err
		}
		return sr, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	return sr, err
}

func lockExecution(tx *gorm.DB, id string) (executionRow, error) {
	var row executionRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	return row, err
}

func deleteExecutionGorm(tx *gorm.DB, id string) error {
	if err := tx.Where("execution_id = ?", id).Delete(&resultRow{}).Error; err != nil {
		return err
	}
	if err := tx.Where("execution_id = ?", id).Delete(&stepRow{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&executionRow{}).Error
}

func (r executionRow) toModel() (model.HuntExecution, error) {
	e := model.HuntExecution{
		ID:              r.ID,
		HuntID:          r.HuntID,
		HuntName:        r.HuntName,
		CaseID:          r.CaseID,
		Status:          model.ExecutionStatus(r.Status),
		CancelRequested: r.CancelRequested,
		StartedAt:       r.StartedAt.UTC(),
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		e.CompletedAt = &t
	}
	if r.InitialParameters != "" && r.InitialParameters != "null" {
		if err := json.Unmarshal([]byte(r.InitialParameters), &e.InitialParameters); err != nil {
			return e, fmt.Errorf("decode initial parameters: %w", err)
		}
	}
	return e, nil
}

func (r stepRow) toModel() model.StepExecution {
	st := model.StepExecution{
		StepID:      r.StepID,
		PluginName:  r.PluginName,
		Status:      model.StepStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.ErrorKind != "" {
		st.Error = &model.StepError{Kind: model.ErrorKind(r.ErrorKind), Message: r.ErrorMessage}
	}
	return st
}
