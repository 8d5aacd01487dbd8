package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

const genesisHash = "genesis"

var errNotDenied = errors.New("confession has no pending deny")

// #region ledger-struct
// Ledger is the append-only log of confessions, witnesses and authorization
// decisions. Rows are never updated or deleted; each row chains the hash of
// the previous one so edits are detectable by Verify.
type Ledger struct {
	sc  store.Scope
	now func() time.Time
}

// New binds a ledger to db.
func New(db *sql.DB) *Ledger {
	return &Ledger{
		sc:  store.Scope{DB: db},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the ledger whose appends run inside tx.
func (l *Ledger) WithTx(tx *sql.Tx) *Ledger {
	cp := *l
	cp.sc.Tx = tx
	return &cp
}

// #endregion ledger-struct

// #region confess
// Confess opens a confession about a constraint or dwelling entry.
func (l *Ledger) Confess(ctx context.Context, ref Ref, reason string) (Confession, error) {
	id := uuid.New().String()
	var out Confession
	err := l.sc.Run(ctx, func(q store.DBTX) error {
		if _, err := l.append(ctx, q, Event{
			ConfessionID: id,
			Kind:         EventConfessed,
			ConstraintID: ref.ConstraintID,
			CandidateID:  ref.CandidateID,
		}, confessedPayload{Reason: reason}); err != nil {
			return err
		}
		var err error
		out, err = l.load(ctx, q, id)
		return err
	})
	if err != nil {
		return Confession{}, fmt.Errorf("confess: %w", err)
	}
	return out, nil
}

// #endregion confess

// #region witness
// Witness records the single external acknowledgement a confession may receive.
func (l *Ledger) Witness(ctx context.Context, confessionID, identity string) (WitnessRecord, error) {
	var rec WitnessRecord
	err := l.sc.Run(ctx, func(q store.DBTX) error {
		c, err := l.load(ctx, q, confessionID)
		if err != nil {
			return err
		}
		if c.Witness != nil {
			return ErrAlreadyWitnessed
		}
		if c.State.Terminal() {
			return ErrClosed
		}
		ev, err := l.append(ctx, q, Event{
			ConfessionID: confessionID,
			Kind:         EventWitnessed,
			Actor:        identity,
		}, witnessedPayload{Acknowledged: true})
		if err != nil {
			return err
		}
		rec = WitnessRecord{ConfessionID: confessionID, Witness: identity, Acknowledged: true, RecordedAt: ev.CreatedAt}
		return nil
	})
	if err != nil {
		return WitnessRecord{}, fmt.Errorf("witness %s: %w", confessionID, err)
	}
	return rec, nil
}

// #endregion witness

// #region decide
// Decide appends an authorization decision. The confession must be witnessed.
func (l *Ledger) Decide(ctx context.Context, d AuthorizationDecision) (Confession, error) {
	if !d.Decision.Valid() {
		return Confession{}, fmt.Errorf("decide %s: invalid decision %q", d.ConfessionID, d.Decision)
	}
	var out Confession
	err := l.sc.Run(ctx, func(q store.DBTX) error {
		c, err := l.load(ctx, q, d.ConfessionID)
		if err != nil {
			return err
		}
		if c.State.Terminal() {
			return ErrClosed
		}
		if c.Witness == nil {
			return ErrNotWitnessed
		}
		if _, err := l.append(ctx, q, Event{
			ConfessionID: d.ConfessionID,
			Kind:         EventDecided,
			Actor:        d.Authorizer,
		}, decidedPayload{Decision: d.Decision}); err != nil {
			return err
		}
		out, err = l.load(ctx, q, d.ConfessionID)
		return err
	})
	if err != nil {
		return Confession{}, fmt.Errorf("decide %s: %w", d.ConfessionID, err)
	}
	return out, nil
}

// #endregion decide

// #region close
// Close ends an authorized confession.
func (l *Ledger) Close(ctx context.Context, confessionID, actor string) (Confession, error) {
	var out Confession
	err := l.sc.Run(ctx, func(q store.DBTX) error {
		c, err := l.load(ctx, q, confessionID)
		if err != nil {
			return err
		}
		if c.State.Terminal() {
			return ErrClosed
		}
		if c.State != StateAuthorized {
			return fmt.Errorf("close requires a grant, state is %s", c.State)
		}
		if _, err := l.append(ctx, q, Event{
			ConfessionID: confessionID,
			Kind:         EventClosed,
			Actor:        actor,
		}, struct{}{}); err != nil {
			return err
		}
		out, err = l.load(ctx, q, confessionID)
		return err
	})
	if err != nil {
		return Confession{}, fmt.Errorf("close %s: %w", confessionID, err)
	}
	return out, nil
}

// Withdraw cancels an open confession on explicit request. The constraint stays binding.
func (l *Ledger) Withdraw(ctx context.Context, confessionID, identity, reason string) (Confession, error) {
	var out Confession
	err := l.sc.Run(ctx, func(q store.DBTX) error {
		c, err := l.load(ctx, q, confessionID)
		if err != nil {
			return err
		}
		if c.State.Terminal() {
			return ErrClosed
		}
		if _, err := l.append(ctx, q, Event{
			ConfessionID: confessionID,
			Kind:         EventWithdrawn,
			Actor:        identity,
		}, withdrawnPayload{Reason: reason}); err != nil {
			return err
		}
		out, err = l.load(ctx, q, confessionID)
		return err
	})
	if err != nil {
		return Confession{}, fmt.Errorf("withdraw %s: %w", confessionID, err)
	}
	return out, nil
}

// Resubmit supersedes a denied confession with a fresh one for the same
// constraint. The successor starts open and needs its own witness.
func (l *Ledger) Resubmit(ctx context.Context, confessionID, identity string) (Confession, error) {
	successor := uuid.New().String()
	var out Confession
	err := l.sc.Run(ctx, func(q store.DBTX) error {
		c, err := l.load(ctx, q, confessionID)
		if err != nil {
			return err
		}
		if c.State.Terminal() {
			return ErrClosed
		}
		if !c.Denied() {
			return errNotDenied
		}
		if _, err := l.append(ctx, q, Event{
			ConfessionID: confessionID,
			Kind:         EventResubmitted,
			Actor:        identity,
		}, resubmittedPayload{Successor: successor}); err != nil {
			return err
		}
		if _, err := l.append(ctx, q, Event{
			ConfessionID: successor,
			Kind:         EventConfessed,
			Actor:        identity,
			ConstraintID: c.ConstraintID,
			CandidateID:  c.CandidateID,
		}, confessedPayload{Reason: c.Reason, Supersedes: confessionID}); err != nil {
			return err
		}
		out, err = l.load(ctx, q, successor)
		return err
	})
	if err != nil {
		return Confession{}, fmt.Errorf("resubmit %s: %w", confessionID, err)
	}
	return out, nil
}

// #endregion close

// #region queries
// Get folds the events of one confession.
func (l *Ledger) Get(ctx context.Context, confessionID string) (Confession, error) {
	c, err := l.load(ctx, l.sc.Query(), confessionID)
	if err != nil {
		return Confession{}, fmt.Errorf("get confession %s: %w", confessionID, err)
	}
	return c, nil
}

// List folds every confession in opening order.
func (l *Ledger) List(ctx context.Context) ([]Confession, error) {
	events, err := l.queryEvents(ctx, l.sc.Query(), "")
	if err != nil {
		return nil, fmt.Errorf("list confessions: %w", err)
	}
	grouped := make(map[string][]Event)
	var order []string
	for _, ev := range events {
		if _, ok := grouped[ev.ConfessionID]; !ok {
			order = append(order, ev.ConfessionID)
		}
		grouped[ev.ConfessionID] = append(grouped[ev.ConfessionID], ev)
	}
	out := make([]Confession, 0, len(order))
	for _, id := range order {
		c, err := fold(grouped[id])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Events returns the raw events of one confession in append order.
func (l *Ledger) Events(ctx context.Context, confessionID string) ([]Event, error) {
	return l.queryEvents(ctx, l.sc.Query(), confessionID)
}

// AllEvents returns the whole ledger in append order.
func (l *Ledger) AllEvents(ctx context.Context) ([]Event, error) {
	return l.queryEvents(ctx, l.sc.Query(), "")
}

// Witnesses returns the witness records of one confession (at most one).
func (l *Ledger) Witnesses(ctx context.Context, confessionID string) ([]WitnessRecord, error) {
	events, err := l.Events(ctx, confessionID)
	if err != nil {
		return nil, err
	}
	var out []WitnessRecord
	for _, ev := range events {
		if ev.Kind == EventWitnessed {
			out = append(out, WitnessRecord{ConfessionID: ev.ConfessionID, Witness: ev.Actor, Acknowledged: true, RecordedAt: ev.CreatedAt})
		}
	}
	return out, nil
}

// Verify walks the ledger and recomputes the hash chain.
func (l *Ledger) Verify(ctx context.Context) error {
	events, err := l.AllEvents(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	prev := genesisHash
	for _, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: seq %d links to %s, want %s", ErrChainBroken, ev.Seq, short(ev.PrevHash), short(prev))
		}
		if h := hashEvent(ev); h != ev.Hash {
			return fmt.Errorf("%w: seq %d content hash %s, stored %s", ErrChainBroken, ev.Seq, short(h), short(ev.Hash))
		}
		prev = ev.Hash
	}
	return nil
}

// #endregion queries

// #region append
func (l *Ledger) append(ctx context.Context, q store.DBTX, ev Event, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	ev.Payload = raw
	ev.CreatedAt = l.now()

	err = q.QueryRowContext(ctx, `SELECT hash FROM ledger_events ORDER BY seq DESC LIMIT 1`).Scan(&ev.PrevHash)
	if errors.Is(err, sql.ErrNoRows) {
		ev.PrevHash = genesisHash
	} else if err != nil {
		return Event{}, fmt.Errorf("read chain head: %w", err)
	}
	ev.Hash = hashEvent(ev)

	res, err := q.ExecContext(ctx,
		`INSERT INTO ledger_events (confession_id, kind, actor, constraint_id, candidate_id, payload_json, created_at, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ConfessionID, string(ev.Kind), nullIfEmpty(ev.Actor), nullIfEmpty(ev.ConstraintID), nullIfEmpty(ev.CandidateID),
		string(ev.Payload), ev.CreatedAt.Format(time.RFC3339Nano), ev.PrevHash, ev.Hash,
	)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", ev.Kind, err)
	}
	ev.Seq, _ = res.LastInsertId()
	return ev, nil
}

// hashEvent covers every column except seq and the hash itself.
func hashEvent(ev Event) string {
	fields := []string{
		ev.PrevHash,
		ev.ConfessionID,
		string(ev.Kind),
		ev.Actor,
		ev.ConstraintID,
		ev.CandidateID,
		string(ev.Payload),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha3.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// #endregion append

// #region fold
func (l *Ledger) load(ctx context.Context, q store.DBTX, confessionID string) (Confession, error) {
	events, err := l.queryEvents(ctx, q, confessionID)
	if err != nil {
		return Confession{}, err
	}
	if len(events) == 0 {
		return Confession{}, ErrUnknownConfession
	}
	return fold(events)
}

func fold(events []Event) (Confession, error) {
	var c Confession
	for _, ev := range events {
		switch ev.Kind {
		case EventConfessed:
			var p confessedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return Confession{}, fmt.Errorf("decode %s: %w", ev.Kind, err)
			}
			c.ID = ev.ConfessionID
			c.ConstraintID = ev.ConstraintID
			c.CandidateID = ev.CandidateID
			c.Reason = p.Reason
			c.Supersedes = p.Supersedes
			c.OpenedAt = ev.CreatedAt
			c.State = StateOpen
		case EventWitnessed:
			c.Witness = &WitnessRecord{ConfessionID: ev.ConfessionID, Witness: ev.Actor, Acknowledged: true, RecordedAt: ev.CreatedAt}
			c.State = StateWitnessed
		case EventDecided:
			var p decidedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return Confession{}, fmt.Errorf("decode %s: %w", ev.Kind, err)
			}
			c.Decisions = append(c.Decisions, AuthorizationDecision{
				ConfessionID: ev.ConfessionID,
				Authorizer:   ev.Actor,
				Decision:     p.Decision,
				DecidedAt:    ev.CreatedAt,
			})
			if p.Decision == Grant {
				c.State = StateAuthorized
			}
		case EventResubmitted:
			var p resubmittedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return Confession{}, fmt.Errorf("decode %s: %w", ev.Kind, err)
			}
			c.SupersededBy = p.Successor
			c.State = StateSuperseded
		case EventWithdrawn:
			c.State = StateWithdrawn
		case EventClosed:
			c.State = StateClosed
			c.ClosedAt = ev.CreatedAt
		default:
			return Confession{}, fmt.Errorf("unknown event kind %q at seq %d", ev.Kind, ev.Seq)
		}
	}
	if c.ID == "" {
		return Confession{}, fmt.Errorf("confession %s has no confessed event", events[0].ConfessionID)
	}
	return c, nil
}

func (l *Ledger) queryEvents(ctx context.Context, q store.DBTX, confessionID string) ([]Event, error) {
	query := `SELECT seq, confession_id, kind, actor, constraint_id, candidate_id, payload_json, created_at, prev_hash, hash
		FROM ledger_events`
	var args []any
	if confessionID != "" {
		query += ` WHERE confession_id = ?`
		args = append(args, confessionID)
	}
	query += ` ORDER BY seq`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind, payload, created string
		var actor, constraintID, candidateID sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.ConfessionID, &kind, &actor, &constraintID, &candidateID,
			&payload, &created, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.Actor = actor.String
		ev.ConstraintID = constraintID.String
		ev.CandidateID = candidateID.String
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// #endregion fold

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// #endregion helpers
