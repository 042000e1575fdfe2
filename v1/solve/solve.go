// Package solve records learners' progress on published workbooks and grades
// their submissions.
package solve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/adapter"
	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/lock"
	"github.com/solveshq/solves/v1/watchbus"
	"github.com/solveshq/solves/v1/workbook"
)

const (
	submitTTL   = 30 * time.Second
	progressTTL = 10 * time.Second
)

// Progress holds the answers a learner saved but has not submitted yet.
type Progress struct {
	WorkbookID string                     `json:"workbookId"`
	UserID     string                     `json:"userId"`
	Answers    map[string]json.RawMessage `json:"answers"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
}

// BlockResult is the grade of one block of a submission.
type BlockResult struct {
	BlockID     string          `json:"blockId"`
	Answered    bool            `json:"answered"`
	Correct     bool            `json:"correct"`
	Answer      json.RawMessage `json:"answer,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
}

// Submission is a graded attempt.
type Submission struct {
	ID         string        `gorm:"primaryKey;size:36" json:"id"`
	WorkbookID string        `gorm:"index;size:36;not null" json:"workbookId"`
	UserID     string        `gorm:"index;size:36;not null" json:"userId"`
	Score      int           `gorm:"not null" json:"score"`
	Total      int           `gorm:"not null" json:"total"`
	Results    []BlockResult `gorm:"serializer:json" json:"results"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Event is published on the watch key of a workbook after each submission.
type Event struct {
	Type         string    `json:"type"`
	WorkbookID   string    `json:"workbookId"`
	UserID       string    `json:"userId"`
	SubmissionID string    `json:"submissionId"`
	Score        int       `json:"score"`
	Total        int       `json:"total"`
	At           time.Time `json:"at"`
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Submission{}} }

// ProgressKey is the store key of a learner's progress.
func ProgressKey(workbookID, userID string) string {
	return "progress:" + workbookID + ":" + userID
}

// WatchKey is the watchbus key of a workbook's events.
func WatchKey(workbookID string) string { return "workbook:" + workbookID }

func submitLockKey(workbookID, userID string) string {
	return "solve:" + workbookID + ":" + userID
}

// Service grades workbooks.
type Service struct {
	db        *gorm.DB
	workbooks *workbook.Service
	progress  adapter.Store[Progress]
	locks     *lock.DistributedLock
	watch     watchbus.WatchBus
	log       *slog.Logger
	now       func() time.Time
}

// NewService wires a Service. watch may be nil.
func NewService(db *gorm.DB, wb *workbook.Service, progress adapter.Store[Progress], locks *lock.DistributedLock, watch watchbus.WatchBus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, workbooks: wb, progress: progress, locks: locks, watch: watch, log: log, now: time.Now}
}

func (s *Service) solvable(ctx context.Context, workbookID string) (*workbook.Workbook, error) {
	w, err := s.workbooks.Get(ctx, workbookID)
	if err != nil {
		return nil, err
	}
	if !w.Published {
		return nil, solveserrors.NotFound("workbook", workbookID)
	}
	return w, nil
}

// SaveProgress merges answers into the saved progress. A null answer removes
// the saved answer of that block. Saves of one learner on one workbook run
// one at a time and wait for a running Submit.
func (s *Service) SaveProgress(ctx context.Context, workbookID, userID string, answers map[string]json.RawMessage) (*Progress, error) {
	w, err := s.solvable(ctx, workbookID)
	if err != nil {
		return nil, err
	}
	if err := checkAnswers(w, answers); err != nil {
		return nil, err
	}
	key := ProgressKey(workbookID, userID)
	var out Progress
	err = lock.Do(ctx, s.locks, submitLockKey(workbookID, userID), progressTTL, func(ctx context.Context) error {
		p, ok, err := s.progress.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load progress: %w", err)
		}
		merged := make(map[string]json.RawMessage, len(p.Answers)+len(answers))
		if ok {
			for id, a := range p.Answers {
				merged[id] = a
			}
		}
		for id, a := range answers {
			if isNull(a) {
				delete(merged, id)
				continue
			}
			merged[id] = a
		}
		out = Progress{WorkbookID: workbookID, UserID: userID, Answers: merged, UpdatedAt: s.now()}
		if err := s.progress.Set(ctx, key, out); err != nil {
			return fmt.Errorf("failed to save progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadProgress returns the saved progress, empty when nothing was saved.
func (s *Service) LoadProgress(ctx context.Context, workbookID, userID string) (*Progress, error) {
	if _, err := s.solvable(ctx, workbookID); err != nil {
		return nil, err
	}
	p, ok, err := s.progress.Get(ctx, ProgressKey(workbookID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	if !ok {
		return &Progress{WorkbookID: workbookID, UserID: userID, Answers: map[string]json.RawMessage{}}, nil
	}
	if p.Answers == nil {
		p.Answers = map[string]json.RawMessage{}
	}
	return &p, nil
}

// ClearProgress drops the saved progress.
func (s *Service) ClearProgress(ctx context.Context, workbookID, userID string) error {
	return lock.Do(ctx, s.locks, submitLockKey(workbookID, userID), progressTTL, func(ctx context.Context) error {
		if err := s.progress.Delete(ctx, ProgressKey(workbookID, userID)); err != nil {
			return fmt.Errorf("failed to clear progress: %w", err)
		}
		return nil
	})
}

// Submit grades the saved progress overlaid with answers and stores the
// result. Concurrent submits of one learner on one workbook fail with
// solveserrors.ErrLockHeld.
func (s *Service) Submit(ctx context.Context, workbookID, userID string, answers map[string]json.RawMessage) (*Submission, error) {
	var out *Submission
	err := lock.WithLock(ctx, s.locks, submitLockKey(workbookID, userID), submitTTL, func(ctx context.Context) error {
		w, err := s.solvable(ctx, workbookID)
		if err != nil {
			return err
		}
		if err := checkAnswers(w, answers); err != nil {
			return err
		}
		merged := map[string]json.RawMessage{}
		saved, ok, err := s.progress.Get(ctx, ProgressKey(workbookID, userID))
		if err != nil {
			return fmt.Errorf("failed to load progress: %w", err)
		}
		if ok {
			for id, a := range saved.Answers {
				merged[id] = a
			}
		}
		for id, a := range answers {
			merged[id] = a
		}

		sub := &Submission{ID: uuid.NewString(), WorkbookID: workbookID, UserID: userID, Total: len(w.Blocks)}
		for i := range w.Blocks {
			b := &w.Blocks[i]
			a := merged[b.ID]
			correct, err := workbook.Grade(b, a)
			if err != nil {
				return err
			}
			if correct {
				sub.Score++
			}
			sub.Results = append(sub.Results, BlockResult{
				BlockID:     b.ID,
				Answered:    !isNull(a),
				Correct:     correct,
				Answer:      a,
				Explanation: b.Explanation,
			})
		}
		if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
			return fmt.Errorf("failed to store submission: %w", err)
		}
		if err := s.progress.Delete(ctx, ProgressKey(workbookID, userID)); err != nil {
			s.log.WarnContext(ctx, "failed to clear progress after submit", "workbook_id", workbookID, "error", err)
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

func (s *Service) publish(ctx context.Context, sub *Submission) {
	if s.watch == nil {
		return
	}
	data, err := json.Marshal(Event{
		Type:         "submission",
		WorkbookID:   sub.WorkbookID,
		UserID:       sub.UserID,
		SubmissionID: sub.ID,
		Score:        sub.Score,
		Total:        sub.Total,
		At:           sub.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := s.watch.Publish(ctx, WatchKey(sub.WorkbookID), data); err != nil {
		s.log.WarnContext(ctx, "failed to publish submission event", "workbook_id", sub.WorkbookID, "error", err)
	}
}

// ListSubmissions returns a learner's submissions on a workbook, newest
// first.
func (s *Service) ListSubmissions(ctx context.Context, workbookID, userID string) ([]Submission, error) {
	out := []Submission{}
	err := s.db.WithContext(ctx).
		Where("workbook_id = ? AND user_id = ?", workbookID, userID).
		Order("created_at DESC, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return out, nil
}

// GetSubmission returns a submission to its learner or to the owner of the
// workbook.
func (s *Service) GetSubmission(ctx context.Context, id, viewerID string) (*Submission, error) {
	var sub Submission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("submission", id)
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	if sub.UserID == viewerID {
		return &sub, nil
	}
	w, err := s.workbooks.Get(ctx, sub.WorkbookID)
	if err != nil || w.OwnerID != viewerID {
		return nil, solveserrors.NotFound("submission", id)
	}
	return &sub, nil
}

// checkAnswers rejects answers to foreign blocks and answers whose shape does
// not fit their block.
func checkAnswers(w *workbook.Workbook, answers map[string]json.RawMessage) error {
	blocks := make(map[string]*workbook.Block, len(w.Blocks))
	for i := range w.Blocks {
		blocks[w.Blocks[i].ID] = &w.Blocks[i]
	}
	for id, a := range answers {
		b, ok := blocks[id]
		if !ok {
			return solveserrors.Invalid("answers."+id, "is not a block of this workbook")
		}
		if err := workbook.CheckAnswer(b, a); err != nil {
			return err
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
