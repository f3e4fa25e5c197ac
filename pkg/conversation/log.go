package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTurnInFlight is returned when an operation requires an idle
	// conversation but a turn is still streaming.
	ErrTurnInFlight = errors.New("a turn is already in flight")

	// ErrNoTurnInFlight is returned when a turn-scoped operation finds no
	// active turn.
	ErrNoTurnInFlight = errors.New("no turn in flight")

	// ErrStaleTurn is returned when a turn-scoped operation names a turn
	// that is no longer the active one. Stale writes are dropped.
	ErrStaleTurn = errors.New("turn is no longer active")
)

// Snapshot is an immutable copy of the conversation handed to observers
// and renderers. Mutating a snapshot never affects the log.
type Snapshot struct {
	ConversationID uuid.UUID
	Utterances     Conversation
	// InFlightID is the id of the utterance currently being streamed into,
	// or uuid.Nil when the conversation is idle.
	InFlightID uuid.UUID
}

func (s Snapshot) IsInFlight(id uuid.UUID) bool {
	return s.InFlightID != uuid.Nil && s.InFlightID == id
}

// Observer receives a fresh snapshot after every committed write to the
// log. Observers run outside the log's lock and must not call back into it
// synchronously from a mutator's goroutine if they want to mutate.
type Observer func(Snapshot)

// Log is the append-only conversation record. At most one assistant
// utterance is in flight at any time, and it is always the last entry.
// In-flight content is updated by whole-utterance replacement so that
// previously handed out snapshots stay valid.
type Log struct {
	mu sync.RWMutex

	id         uuid.UUID
	utterances Conversation

	inFlight     *Utterance
	inFlightTurn string

	observers []Observer

	autosaveEnabled bool
	autosaveFormat  string
	autosaveDir     string
	startTime       time.Time
}

type LogOption func(*Log)

func WithLogID(id uuid.UUID) LogOption {
	return func(l *Log) {
		l.id = id
	}
}

func WithObserver(observer Observer) LogOption {
	return func(l *Log) {
		l.observers = append(l.observers, observer)
	}
}

func WithAutosave(enabled string, format string, dir string) LogOption {
	return func(l *Log) {
		l.autosaveEnabled = strings.ToLower(enabled) == "yes"

		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				// fallback to current directory if home dir cannot be determined
				homeDir = "."
			}
			l.autosaveDir = filepath.Join(homeDir, ".cricket", "history")
		} else {
			l.autosaveDir = dir
		}

		if format == "" {
			l.autosaveFormat = "{{.Year}}/{{.Month}}/{{.Day}}/{{.Time.Format \"150405\"}}-{{.ConversationID}}.json"
		} else {
			l.autosaveFormat = format
		}
	}
}

func NewLog(options ...LogOption) *Log {
	ret := &Log{
		id:        uuid.Nil,
		startTime: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}

	if ret.id == uuid.Nil {
		ret.id = uuid.New()
	}

	return ret
}

func (l *Log) ID() uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// AppendUser appends an immutable user utterance. It is rejected while a
// turn is in flight: the caller must wait for the active turn to settle.
func (l *Log) AppendUser(u *Utterance) error {
	l.mu.Lock()
	if l.inFlight != nil {
		l.mu.Unlock()
		return ErrTurnInFlight
	}
	if u.Role != RoleUser {
		l.mu.Unlock()
		return errors.Errorf("expected user utterance, got role %s", u.Role)
	}
	l.utterances = append(l.utterances, u)
	snap, observers := l.snapshotLocked()
	l.mu.Unlock()

	l.committed(snap, observers)
	return nil
}

// StartTurn appends the assistant shell for a new turn and marks it in
// flight under the given turn id. All subsequent in-flight operations must
// present the same turn id.
func (l *Log) StartTurn(turnID string, shell *Utterance) error {
	l.mu.Lock()
	if l.inFlight != nil {
		l.mu.Unlock()
		return ErrTurnInFlight
	}
	if shell.Role != RoleAssistant {
		l.mu.Unlock()
		return errors.Errorf("expected assistant utterance, got role %s", shell.Role)
	}
	l.utterances = append(l.utterances, shell)
	l.inFlight = shell
	l.inFlightTurn = turnID
	snap, observers := l.snapshotLocked()
	l.mu.Unlock()

	log.Debug().Str("turn_id", turnID).Str("utterance_id", shell.ID.String()).Msg("turn started")
	l.committed(snap, observers)
	return nil
}

// ReplaceInFlight swaps the in-flight utterance for an updated value, the
// only way streamed content reaches the log. The replacement must carry
// the same utterance id as the shell it replaces.
func (l *Log) ReplaceInFlight(turnID string, u *Utterance) error {
	l.mu.Lock()
	if l.inFlight == nil {
		l.mu.Unlock()
		return ErrNoTurnInFlight
	}
	if l.inFlightTurn != turnID {
		l.mu.Unlock()
		return errors.Wrapf(ErrStaleTurn, "turn %s", turnID)
	}
	if u.ID != l.inFlight.ID {
		l.mu.Unlock()
		return errors.Errorf("replacement utterance id %s does not match in-flight id %s", u.ID, l.inFlight.ID)
	}
	l.utterances[len(l.utterances)-1] = u
	l.inFlight = u
	snap, observers := l.snapshotLocked()
	l.mu.Unlock()

	l.committed(snap, observers)
	return nil
}

// FinalizeInFlight freezes the in-flight utterance after a terminal event
// and returns the conversation to idle. A turn that streamed nothing still
// leaves a finalized utterance with one empty text segment.
func (l *Log) FinalizeInFlight(turnID string) (*Utterance, error) {
	return l.settleInFlight(turnID, Finalize)
}

// CancelInFlight freezes the in-flight utterance after a cancellation,
// force-marking any still open tool invocation with the cancellation
// marker. Streamed partial content is preserved.
func (l *Log) CancelInFlight(turnID string) (*Utterance, error) {
	return l.settleInFlight(turnID, FinalizeCancelled)
}

func (l *Log) settleInFlight(turnID string, settle func(*Utterance) *Utterance) (*Utterance, error) {
	l.mu.Lock()
	if l.inFlight == nil {
		l.mu.Unlock()
		return nil, ErrNoTurnInFlight
	}
	if l.inFlightTurn != turnID {
		l.mu.Unlock()
		return nil, errors.Wrapf(ErrStaleTurn, "turn %s", turnID)
	}
	settled := settle(l.inFlight)
	l.utterances[len(l.utterances)-1] = settled
	l.inFlight = nil
	l.inFlightTurn = ""
	snap, observers := l.snapshotLocked()
	l.mu.Unlock()

	log.Debug().Str("turn_id", turnID).Str("utterance_id", settled.ID.String()).Msg("turn settled")
	l.committed(snap, observers)
	return settled, nil
}

// Reset clears the conversation. It is rejected while a turn is in flight:
// cancel the turn first.
func (l *Log) Reset() error {
	l.mu.Lock()
	if l.inFlight != nil {
		l.mu.Unlock()
		return ErrTurnInFlight
	}
	l.utterances = nil
	snap, observers := l.snapshotLocked()
	l.mu.Unlock()

	l.committed(snap, observers)
	return nil
}

// Subscribe registers an observer for subsequent writes. There is no
// unsubscribe; observers live as long as the log.
func (l *Log) Subscribe(observer Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, observer)
}

// Snapshot returns a deep copy of the current conversation.
func (l *Log) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap, _ := l.snapshotLocked()
	return snap
}

// Utterances returns a deep copy of the utterance list.
func (l *Log) Utterances() Conversation {
	return l.Snapshot().Utterances
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.utterances)
}

func (l *Log) snapshotLocked() (Snapshot, []Observer) {
	snap := Snapshot{
		ConversationID: l.id,
		Utterances:     l.utterances.Clone(),
	}
	if l.inFlight != nil {
		snap.InFlightID = l.inFlight.ID
	}
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	return snap, observers
}

// committed runs post-write work outside the lock: observer notification
// and autosave, both against the already captured snapshot.
func (l *Log) committed(snap Snapshot, observers []Observer) {
	for _, observer := range observers {
		observer(snap)
	}
	if l.autosaveEnabled {
		if err := l.autoSave(snap); err != nil {
			log.Warn().Err(err).Msg("could not autosave conversation")
		}
	}
}

// SaveToFile persists a conversation snapshot to a JSON file, enabling
// conversation continuity across sessions.
func (l *Log) SaveToFile(path string) error {
	return saveConversation(path, l.Utterances())
}

func saveConversation(path string, utterances Conversation) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(utterances)
}

// LoadFromFile restores a previously saved conversation into an idle log,
// replacing its current content.
func (l *Log) LoadFromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var utterances Conversation
	if err := json.Unmarshal(b, &utterances); err != nil {
		return errors.Wrapf(err, "could not parse conversation file %s", path)
	}

	l.mu.Lock()
	if l.inFlight != nil {
		l.mu.Unlock()
		return ErrTurnInFlight
	}
	l.utterances = utterances
	snap, observers := l.snapshotLocked()
	l.mu.Unlock()

	l.committed(snap, observers)
	return nil
}

func (l *Log) autoSave(snap Snapshot) error {
	data := map[string]interface{}{
		"Year":           l.startTime.Format("2006"),
		"Month":          l.startTime.Format("01"),
		"Day":            l.startTime.Format("02"),
		"ConversationID": snap.ConversationID.String(),
		"Utterances":     snap.Utterances,
		"Time":           l.startTime,
	}

	tmpl, err := template.New("autosave").Funcs(sprig.FuncMap()).Parse(l.autosaveFormat)
	if err != nil {
		return err
	}

	var filePathBuffer strings.Builder
	err = tmpl.Execute(&filePathBuffer, data)
	if err != nil {
		return err
	}

	fullPath := filepath.Join(l.autosaveDir, filePathBuffer.String())

	// Ensure directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return saveConversation(fullPath, snap.Utterances)
}
