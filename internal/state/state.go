// Package state ties the core's long-lived components together and owns the
// mutable instance settings.
package state

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/paracord-chat/paracord/internal/config"
	"github.com/paracord-chat/paracord/internal/db"
	"github.com/paracord-chat/paracord/internal/event"
	"github.com/paracord-chat/paracord/internal/memberindex"
	"github.com/paracord-chat/paracord/internal/presence"
	"github.com/paracord-chat/paracord/internal/snowflake"
	"github.com/paracord-chat/paracord/internal/storage"
	"github.com/paracord-chat/paracord/internal/voice"
)

// Settings are the runtime-mutable instance settings. Instance admins change
// them over REST; changes broadcast as SETTINGS_UPDATE.
type Settings struct {
	ServerName          string `json:"server_name"`
	RegistrationEnabled bool   `json:"registration_enabled"`
}

// State is the shared dependency container handed to the REST layer and the
// gateway. Presence, Voice and Storage are nil when their subsystem is
// disabled in the config.
type State struct {
	Config  *config.Config
	Log     zerolog.Logger
	DB      *db.Store
	Bus     *event.Bus
	Members *memberindex.Index

	Presence *presence.Cache
	Voice    *voice.Provider
	Storage  *storage.Store

	mu       sync.RWMutex
	settings Settings

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a State whose lifetime ends when Shutdown is called.
func New(cfg *config.Config, log zerolog.Logger) *State {
	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		Config: cfg,
		Log:    log,
		settings: Settings{
			ServerName:          cfg.ServerName,
			RegistrationEnabled: cfg.RegistrationEnabled,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewID mints a snowflake using the configured worker id.
func (s *State) NewID() snowflake.ID {
	return snowflake.Generate(s.Config.WorkerID)
}

// Settings returns a copy of the current settings.
func (s *State) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings applies fn to the settings under the lock and returns the
// result.
func (s *State) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.settings
}

// Context returns a context that is cancelled on Shutdown. Long-running
// loops derive from it.
func (s *State) Context() context.Context {
	return s.ctx
}

// Shutdown cancels the state context. Idempotent.
func (s *State) Shutdown() {
	s.cancel()
}

// Done reports shutdown in select statements.
func (s *State) Done() <-chan struct{} {
	return s.ctx.Done()
}
