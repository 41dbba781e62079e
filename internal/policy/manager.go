package policy

import (
	"sync/atomic"
	"time"
)

// Origin of the active document.
type Origin string

const (
	OriginDefault Origin = "default"
	OriginFile    Origin = "file"
	OriginS3      Origin = "s3"
)

// Snapshot is an immutable loaded document with its provenance.
type Snapshot struct {
	Doc      *Document
	Hash     string
	Origin   Origin
	Verified bool
	LoadedAt time.Time
}

// Manager holds the active policy and swaps it atomically.
type Manager struct {
	active atomic.Pointer[Snapshot]
}

// NewManager starts with the built-in defaults active.
func NewManager() *Manager {
	m := &Manager{}
	m.Set(Snapshot{Doc: Default(), Origin: OriginDefault})
	return m
}

func (m *Manager) Set(s Snapshot) {
	cp := new(Snapshot)
	*cp = s
	if cp.Doc == nil {
		cp.Doc = Default()
	}
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(cp)
}

func (m *Manager) Snapshot() *Snapshot { return m.active.Load() }

// Current implements Source.
func (m *Manager) Current() *Document {
	if s := m.active.Load(); s != nil && s.Doc != nil {
		return s.Doc
	}
	return Default()
}

func (m *Manager) Hash() string {
	if s := m.active.Load(); s != nil {
		return s.Hash
	}
	return ""
}
