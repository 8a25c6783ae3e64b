package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/clock"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/reconcile"
)

// Ledger is the server side of a session.
type Ledger interface {
	LoadDay(ctx context.Context, day string) ([]reconcile.Row, error)
	SaveDay(ctx context.Context, p auth.Principal, day string, rows []models.DailyOperation) (reconcile.SaveResult, error)
}

// SessionRow is a working-set row with its local edit state.
type SessionRow struct {
	reconcile.Row
	Dirty bool `json:"dirty"`
}

// Session is one editor's working set for one day. Edits are derived
// locally right away and confirmed by Save.
type Session struct {
	ledger    Ledger
	principal auth.Principal
	day       string
	clock     clock.Clock

	mu           sync.Mutex
	rows         map[string]*SessionRow
	lastSave     map[string]time.Time
	lastActivity time.Time
	editing      string
}

func NewSession(ledger Ledger, p auth.Principal, day string, clk clock.Clock) *Session {
	return &Session{
		ledger:    ledger,
		principal: p,
		day:       day,
		clock:     clk,
		rows:      make(map[string]*SessionRow),
		lastSave:  make(map[string]time.Time),
	}
}

func (s *Session) Day() string { return s.day }

func (s *Session) ActorID() string { return s.principal.ActorID() }

// Load replaces the working set with the server state. Rows with unsaved
// local edits keep their local values.
func (s *Session) Load(ctx context.Context) error {
	rows, err := s.ledger.LoadDay(ctx, s.day)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*SessionRow, len(rows))
	for _, r := range rows {
		if cur, ok := s.rows[r.ProductID]; ok && cur.Dirty {
			next[r.ProductID] = cur
			continue
		}
		next[r.ProductID] = &SessionRow{Row: r}
	}
	s.rows = next
	return nil
}

// Rows returns the working set ordered by product name.
func (s *Session) Rows() []SessionRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionRow, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductName == out[j].ProductName {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].ProductName < out[j].ProductName
	})
	return out
}

func (s *Session) Row(productID string) (SessionRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[productID]
	if !ok {
		return SessionRow{}, false
	}
	return *r, true
}

// Edit applies a field edit locally with the same derivation the server
// runs on save.
func (s *Session) Edit(productID, field string, value int) (SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[productID]
	if !ok {
		return SessionRow{}, errNoRow(productID, s.day)
	}
	edited, err := reconcile.ApplyEdit(r.DailyOperation, field, value)
	if err != nil {
		return SessionRow{}, err
	}
	r.DailyOperation = edited
	r.Variance = edited.Variance()
	r.Dirty = true
	s.lastActivity = s.clock.Now()
	s.editing = productID
	return *r, nil
}

// Save sends every dirty row to the server.
func (s *Session) Save(ctx context.Context) (reconcile.SaveResult, error) {
	s.mu.Lock()
	now := s.clock.Now()
	var dirty []models.DailyOperation
	for id, r := range s.rows {
		if r.Dirty {
			dirty = append(dirty, r.DailyOperation)
			// stamped before the write so the feed echo is recognized
			s.lastSave[id] = now
		}
	}
	s.lastActivity = now
	s.mu.Unlock()

	if len(dirty) == 0 {
		return reconcile.SaveResult{FailedProductIDs: []string{}}, nil
	}
	res, err := s.ledger.SaveDay(ctx, s.principal, s.day, dirty)
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	for _, d := range dirty {
		r, ok := s.rows[d.ProductID]
		if !ok {
			continue
		}
		// a newer local edit made during the save stays dirty
		if r.DailyOperation == d {
			r.Dirty = false
		}
		r.Virtual = false
		r.EstimatedClosingStock = reconcile.EstimatedClosing(r.DailyOperation)
		r.Variance = r.DailyOperation.Variance()
	}
	s.mu.Unlock()
	return res, nil
}

// ApplyRemote merges a row written by someone else. The remote image wins
// and any local edit of that row is dropped.
func (s *Session) ApplyRemote(op models.DailyOperation) SessionRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.Virtual = false
	name := op.ProductID
	if cur, ok := s.rows[op.ProductID]; ok {
		name = cur.ProductName
	}
	r := &SessionRow{Row: reconcile.Row{DailyOperation: op, ProductName: name, Variance: op.Variance()}}
	s.rows[op.ProductID] = r
	return *r
}

// ProductName returns the display name known to the working set.
func (s *Session) ProductName(productID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[productID]; ok && r.ProductName != "" {
		return r.ProductName
	}
	return productID
}

// IsEcho reports whether a change to productID most likely came from this
// session's own save.
func (s *Session) IsEcho(productID string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSave[productID]
	return ok && now.Sub(at) < window
}

// MarkSaved records a save of productID made on this editor's behalf
// outside the session (single-field edits over HTTP).
func (s *Session) MarkSaved(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSave[productID] = s.clock.Now()
	s.lastActivity = s.lastSave[productID]
	s.editing = productID
}

// Touch records editor input.
func (s *Session) Touch(editingResourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.clock.Now()
	if editingResourceID != "" {
		s.editing = editingResourceID
	}
}

// LastActivity returns the time of the last input and what was being edited.
func (s *Session) LastActivity() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.editing
}
