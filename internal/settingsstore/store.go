// Package settingsstore is the SQLite-backed implementation of
// collaborators.SettingsHelper, grounded on internal/state's
// migrate.go/schema.go pattern: golang-migrate with an embedded iofs
// source over a pure-Go modernc.org/sqlite driver, WAL journal mode, and a
// single-writer connection pool.
package settingsstore

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/Resinat/Resin/internal/dirtyset"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const listBlacklist = "blacklist"
const listThrottleWhitelist = "throttle_whitelist"
const listIgnoreSettingsWhitelist = "ignore_settings_whitelist"

// listMemberKey identifies one (list, package) membership row for the
// dirty-set flusher.
type listMemberKey struct {
	listName    string
	packageName string
}

// flushInterval is how often the background worker drains the dirty set
// and writes pending list-membership changes to SQLite.
const flushInterval = 5 * time.Second

// Store is a SQLite-backed SettingsHelper. All reads hit an in-memory
// cache kept current by writes (reads are on the multiplexer's hot path
// and must not block on disk I/O); per-user/runtime settings writes go
// straight to SQLite, while list-membership writes (blacklist/whitelists)
// are batched through a dirty set and flushed periodically, since those
// can arrive in bursts from a bulk admin edit or a policy-seed load.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes, matching state.StateRepo's convention

	cacheMu              sync.RWMutex
	enabled              map[int]bool
	throttleMs           int64
	coarseAccuracyMeters float64
	blacklist            map[string]bool
	throttleWhitelist    map[string]bool
	ignoreSettingsWL     map[string]bool

	dirtyLists *dirtyset.Set[listMemberKey]
	flushStop  chan struct{}
	flushWg    sync.WaitGroup
	flushOnce  sync.Once

	subMu sync.Mutex
	subs  []func()
}

// Open opens (or creates) the settings database at path, migrates it to
// the latest schema, and returns a ready-to-use Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settingsstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("settingsstore: exec %q: %w", p, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:                   db,
		enabled:              make(map[int]bool),
		throttleMs:           30_000,
		coarseAccuracyMeters: 2000,
		blacklist:            make(map[string]bool),
		throttleWhitelist:    make(map[string]bool),
		ignoreSettingsWL:     make(map[string]bool),
		dirtyLists:           dirtyset.New[listMemberKey](),
		flushStop:            make(chan struct{}),
	}
	if err := s.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	s.flushWg.Add(1)
	go s.runFlushWorker()
	return s, nil
}

// runFlushWorker periodically drains dirtyLists and persists pending
// list-membership changes, performing one final flush on Close.
// Grounded on state.CacheFlushWorker's drain-then-persist loop, scaled
// down to a single fixed interval since this store has no high-frequency
// caller driving a threshold-based flush.
func (s *Store) runFlushWorker() {
	defer s.flushWg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushStop:
			s.flushDirtyLists()
			return
		case <-ticker.C:
			s.flushDirtyLists()
		}
	}
}

// flushDirtyLists drains the dirty set and persists every pending
// membership change in one transaction. On failure, drained entries are
// merged back in so the next flush retries them.
func (s *Store) flushDirtyLists() {
	drained := s.dirtyLists.Drain()
	if len(drained) == 0 {
		return
	}

	s.mu.Lock()
	err := s.writeDirtyLists(drained)
	s.mu.Unlock()
	if err != nil {
		log.Printf("[settingsstore] flush %d list-membership entries failed, will retry: %v", len(drained), err)
		s.dirtyLists.Merge(drained)
	}
}

func (s *Store) writeDirtyLists(drained map[listMemberKey]dirtyset.Op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("settingsstore: begin flush tx: %w", err)
	}
	defer tx.Rollback()

	now := nowNs()
	for key, op := range drained {
		switch op {
		case dirtyset.OpUpsert:
			if _, err := tx.Exec(`
				INSERT INTO package_lists (list_name, package_name, updated_at_ns)
				VALUES (?, ?, ?)
				ON CONFLICT(list_name, package_name) DO UPDATE SET updated_at_ns = excluded.updated_at_ns
			`, key.listName, key.packageName, now); err != nil {
				return fmt.Errorf("settingsstore: upsert %v: %w", key, err)
			}
		case dirtyset.OpDelete:
			if _, err := tx.Exec(`DELETE FROM package_lists WHERE list_name = ? AND package_name = ?`, key.listName, key.packageName); err != nil {
				return fmt.Errorf("settingsstore: delete %v: %w", key, err)
			}
		}
	}
	return tx.Commit()
}

func nowNs() int64 { return time.Now().UnixNano() }

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("settingsstore: init migration source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("settingsstore: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("settingsstore: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("settingsstore: migrate up: %w", err)
	}
	return nil
}

func (s *Store) loadCache() error {
	row := s.db.QueryRow(`SELECT background_throttle_interval_ms, coarse_accuracy_meters FROM runtime_settings WHERE id = 1`)
	var throttleMs int64
	var accuracy float64
	if err := row.Scan(&throttleMs, &accuracy); err == nil {
		s.cacheMu.Lock()
		s.throttleMs = throttleMs
		s.coarseAccuracyMeters = accuracy
		s.cacheMu.Unlock()
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("settingsstore: load runtime_settings: %w", err)
	}

	rows, err := s.db.Query(`SELECT user_id, enabled FROM user_location_enabled`)
	if err != nil {
		return fmt.Errorf("settingsstore: load user_location_enabled: %w", err)
	}
	defer rows.Close()
	enabled := make(map[int]bool)
	for rows.Next() {
		var uid int
		var en bool
		if err := rows.Scan(&uid, &en); err != nil {
			return err
		}
		enabled[uid] = en
	}
	s.cacheMu.Lock()
	s.enabled = enabled
	s.cacheMu.Unlock()

	for listName, target := range map[string]*map[string]bool{
		listBlacklist:               &s.blacklist,
		listThrottleWhitelist:       &s.throttleWhitelist,
		listIgnoreSettingsWhitelist: &s.ignoreSettingsWL,
	} {
		set, err := s.loadList(listName)
		if err != nil {
			return err
		}
		s.cacheMu.Lock()
		*target = set
		s.cacheMu.Unlock()
	}
	return nil
}

func (s *Store) loadList(name string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT package_name FROM package_lists WHERE list_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("settingsstore: load list %s: %w", name, err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, err
		}
		out[pkg] = true
	}
	return out, rows.Err()
}

// Close stops the flush worker (performing one final flush) and closes
// the underlying database handle.
func (s *Store) Close() error {
	s.flushOnce.Do(func() { close(s.flushStop) })
	s.flushWg.Wait()
	return s.db.Close()
}

func (s *Store) notify() {
	s.subMu.Lock()
	subs := append([]func(){}, s.subs...)
	s.subMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn()
		}
	}
}

// Subscribe implements collaborators.SettingsHelper.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

// LocationEnabled implements collaborators.SettingsHelper.
func (s *Store) LocationEnabled(userID int) bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.enabled[userID]
}

// SetLocationEnabled persists the per-user enabled override and notifies
// subscribers on actual change.
func (s *Store) SetLocationEnabled(userID int, enabled bool, nowNs int64) error {
	s.cacheMu.RLock()
	unchanged := s.enabled[userID] == enabled
	s.cacheMu.RUnlock()
	if unchanged {
		return nil
	}

	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO user_location_enabled (user_id, enabled, updated_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET enabled = excluded.enabled, updated_at_ns = excluded.updated_at_ns
	`, userID, enabled, nowNs)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("settingsstore: set location enabled: %w", err)
	}

	s.cacheMu.Lock()
	s.enabled[userID] = enabled
	s.cacheMu.Unlock()
	s.notify()
	return nil
}

// BackgroundThrottleIntervalMs implements collaborators.SettingsHelper.
func (s *Store) BackgroundThrottleIntervalMs() int64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.throttleMs
}

// CoarseAccuracyMeters implements collaborators.SettingsHelper.
func (s *Store) CoarseAccuracyMeters() float64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.coarseAccuracyMeters
}

// SetRuntimeSettings persists the background throttle interval and coarse
// accuracy figure in one row, notifying subscribers.
func (s *Store) SetRuntimeSettings(throttleMs int64, coarseAccuracyMeters float64, nowNs int64) error {
	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO runtime_settings (id, background_throttle_interval_ms, coarse_accuracy_meters, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			background_throttle_interval_ms = excluded.background_throttle_interval_ms,
			coarse_accuracy_meters           = excluded.coarse_accuracy_meters,
			updated_at_ns                    = excluded.updated_at_ns
	`, throttleMs, coarseAccuracyMeters, nowNs)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("settingsstore: set runtime settings: %w", err)
	}
	s.cacheMu.Lock()
	s.throttleMs = throttleMs
	s.coarseAccuracyMeters = coarseAccuracyMeters
	s.cacheMu.Unlock()
	s.notify()
	return nil
}

// Blacklisted implements collaborators.SettingsHelper.
func (s *Store) Blacklisted(packageName string) bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.blacklist[packageName]
}

// OnBackgroundThrottleWhitelist implements collaborators.SettingsHelper.
func (s *Store) OnBackgroundThrottleWhitelist(packageName string) bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.throttleWhitelist[packageName]
}

// OnIgnoreSettingsWhitelist implements collaborators.SettingsHelper.
func (s *Store) OnIgnoreSettingsWhitelist(packageName string) bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.ignoreSettingsWL[packageName]
}

// SetListMembership adds or removes packageName from one of the three
// managed lists (blacklist, throttle whitelist, ignore-settings
// whitelist), updates the in-memory cache and notifies subscribers
// immediately, and marks the row dirty for the background flush worker
// to persist. nowNs is unused for the dirty path (the flusher stamps its
// own flush time) but kept for API compatibility with callers that still
// pass a timestamp.
func (s *Store) SetListMembership(listName, packageName string, member bool, nowNs int64) error {
	_ = nowNs

	s.cacheMu.Lock()
	switch listName {
	case listBlacklist:
		setMember(s.blacklist, packageName, member)
	case listThrottleWhitelist:
		setMember(s.throttleWhitelist, packageName, member)
	case listIgnoreSettingsWhitelist:
		setMember(s.ignoreSettingsWL, packageName, member)
	}
	s.cacheMu.Unlock()

	key := listMemberKey{listName: listName, packageName: packageName}
	if member {
		s.dirtyLists.MarkUpsert(key)
	} else {
		s.dirtyLists.MarkDelete(key)
	}

	s.notify()
	return nil
}

// FlushListMemberships forces an immediate flush of pending list-membership
// changes rather than waiting for the next periodic tick. Used by tests and
// by a clean shutdown path that wants persisted state before exiting.
func (s *Store) FlushListMemberships() {
	s.flushDirtyLists()
}

func setMember(m map[string]bool, key string, member bool) {
	if member {
		m[key] = true
	} else {
		delete(m, key)
	}
}

// Convenience wrappers naming the three managed lists explicitly, so
// callers outside this package never need the raw list-name constants.

func (s *Store) SetBlacklisted(packageName string, blacklisted bool, nowNs int64) error {
	return s.SetListMembership(listBlacklist, packageName, blacklisted, nowNs)
}

func (s *Store) SetThrottleWhitelisted(packageName string, whitelisted bool, nowNs int64) error {
	return s.SetListMembership(listThrottleWhitelist, packageName, whitelisted, nowNs)
}

func (s *Store) SetIgnoreSettingsWhitelisted(packageName string, whitelisted bool, nowNs int64) error {
	return s.SetListMembership(listIgnoreSettingsWhitelist, packageName, whitelisted, nowNs)
}
