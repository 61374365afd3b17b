package download

import (
	"sync"

	"media-rescue/internal/domain/entity"
)

// session is the state of one run: what was downloaded and what keeps
// failing. One mutex guards it and is held only for map access.
type session struct {
	mu         sync.Mutex
	downloaded map[string]string
	permanent  map[string]entity.FailureKind
	transient  map[string]int
	inflight   map[string]*urlLock
	stats      Stats
}

// urlLock serializes attempts on one URL. refs counts holders and waiters.
type urlLock struct {
	mu   sync.Mutex
	refs int
}

func newSession() *session {
	return &session{
		downloaded: make(map[string]string),
		permanent:  make(map[string]entity.FailureKind),
		transient:  make(map[string]int),
		inflight:   make(map[string]*urlLock),
	}
}

// lock blocks until no other attempt on url is running. Concurrent callers
// of one URL then see each other's outcome in the session.
func (s *session) lock(url string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.inflight[url]
	if !ok {
		l = &urlLock{}
		s.inflight[url] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.inflight, url)
		}
		s.mu.Unlock()
	}
}

func (s *session) localPath(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.downloaded[url]
	return p, ok
}

func (s *session) forget(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.downloaded, url)
}

// refusal returns why url must not be tried again in this run, if it must not.
func (s *session) refusal(url string, threshold int) (entity.FailureKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind, ok := s.permanent[url]; ok {
		return kind, true
	}
	if s.transient[url] >= threshold {
		return entity.FailureTransient, true
	}
	return entity.FailureNone, false
}

func (s *session) succeeded(url, path string, bytes int64, recovered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloaded[url] = path
	delete(s.transient, url)
	s.stats.Successes++
	s.stats.BytesTransferred += bytes
	if recovered {
		s.stats.Recovered++
	}
}

// failed records a failure and reports whether it is the first permanent
// failure of url in this run.
func (s *session) failed(url string, kind entity.FailureKind) (firstPermanent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Failures++
	if kind.IsPermanent() {
		_, seen := s.permanent[url]
		s.permanent[url] = kind
		return !seen
	}
	s.transient[url]++
	return false
}

func (s *session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *session) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.PermanentFailures = len(s.permanent)
	st.TransientFailures = len(s.transient)
	st.Downloaded = len(s.downloaded)
	return st
}

// Stats are the session counters of a Coordinator.
type Stats struct {
	Requests          int   `json:"requests"`
	Successes         int   `json:"successes"`
	Failures          int   `json:"failures"`
	Deduplicated      int   `json:"deduplicated"`
	Refused           int   `json:"refused"`
	Recovered         int   `json:"recovered"`
	BytesTransferred  int64 `json:"bytes_transferred"`
	Downloaded        int   `json:"downloaded"`
	PermanentFailures int   `json:"permanent_failures"`
	TransientFailures int   `json:"transient_failures"`
	LedgerWrites      int   `json:"ledger_writes"`
}
