package testutil

import (
	"testing"
	"time"

	"posvault/internal/artifact"
	"posvault/internal/assets"
	"posvault/internal/database"
	"posvault/internal/engine"
	"posvault/internal/outbox"
	"posvault/internal/vault"
)

// Env is a fully wired engine.Service over test doubles.
type Env struct {
	Service *engine.Service
	DB      *database.SQLiteDatabase
	Tables  *MemoryTables
	Assets  *assets.MemoryStore
	Clock   *StubClock
	IDs     *StubIDGenerator
	Sleeper *StubSleeper
	Outbox  *outbox.Outbox
	Vault   *vault.MemoryVault
	Options engine.Options
}

// NewEnv builds an Env. Each modifier may change the options before the
// service is created.
func NewEnv(t *testing.T, modify ...func(*engine.Options)) *Env {
	t.Helper()

	env := &Env{
		DB:      NewTestDatabase(t),
		Tables:  NewMemoryTables(),
		Assets:  assets.NewMemoryStore("receipts", nil),
		Clock:   FixedClock(),
		IDs:     NewStubIDGenerator(),
		Sleeper: NewStubSleeper(),
		Vault:   NewTestVault(),
	}
	env.Outbox = NewTestOutbox(env.Clock)

	env.Options = engine.Options{
		Database:     env.DB,
		Tables:       env.Tables,
		Assets:       []engine.AssetStore{env.Assets},
		Clock:        env.Clock,
		IDs:          env.IDs,
		Sleeper:      env.Sleeper,
		Packer:       artifact.NewPacker(nil, artifact.LevelFastest),
		Queue:        env.Outbox,
		Transport:    NewTestTransport(t, env.Clock, env.Vault),
		MaxRetries:   3,
		RetryBackoff: time.Second,
		SessionID:    "test-session",
	}
	for _, m := range modify {
		m(&env.Options)
	}

	svc, err := engine.NewService(env.Options)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}
	env.Service = svc
	return env
}

// Reopen builds a second service over the same database, tables and
// stores, as a restarted process would. IDs continue from a fresh prefix so
// they never collide with the first process.
func (e *Env) Reopen(t *testing.T, prefix string, modify ...func(*engine.Options)) *engine.Service {
	t.Helper()
	opts := e.Options
	opts.IDs = NewPrefixedIDGenerator(prefix)
	for _, m := range modify {
		m(&opts)
	}
	svc, err := engine.NewService(opts)
	if err != nil {
		t.Fatalf("reopening service: %v", err)
	}
	return svc
}
