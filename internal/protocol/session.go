package protocol

// Session is the state of one transfer, keyed by content hash. Received is a
// hint only; completeness is always confirmed against the chunk directory.
type Session struct {
	Hash        string
	TotalChunks uint32
	Mode        uint32
	SourcePath  string // sender-local file, informational
	DestPath    string // where the receiving side exports the file
	ImportPath  string // remote file a downloading receiver asks for
	State       State
	Received    map[uint32]struct{}

	haveTotal bool
}

// NewSession creates an empty session for hash. An empty hash is adopted from
// the first METADATA seen, which is how downloads learn what they fetch.
func NewSession(hash string) *Session {
	return &Session{
		Hash:     hash,
		Received: make(map[uint32]struct{}),
	}
}

// NewSendSession describes a locally initialized file about to be transmitted
func NewSendSession(hash string, total, mode uint32, source, dest string) *Session {
	s := NewSession(hash)
	s.SetTotal(total)
	s.Mode = mode
	s.SourcePath = source
	s.DestPath = dest
	return s
}

// SetTotal records the announced chunk count
func (s *Session) SetTotal(total uint32) {
	s.TotalChunks = total
	s.haveTotal = true
}

// HasTotal reports whether the chunk count is known yet
func (s *Session) HasTotal() bool {
	return s.haveTotal
}

// MarkReceived adds index to the hint and reports whether it was new
func (s *Session) MarkReceived(index uint32) bool {
	if _, ok := s.Received[index]; ok {
		return false
	}
	s.Received[index] = struct{}{}
	return true
}

// ResetReceived rebuilds the hint as the complement of missing
func (s *Session) ResetReceived(missing []uint32) {
	s.Received = make(map[uint32]struct{}, s.TotalChunks)
	gaps := make(map[uint32]struct{}, len(missing))
	for _, idx := range missing {
		gaps[idx] = struct{}{}
	}
	for i := uint32(0); i < s.TotalChunks; i++ {
		if _, ok := gaps[i]; !ok {
			s.Received[i] = struct{}{}
		}
	}
}

// Complete reports whether the hint covers every chunk
func (s *Session) Complete() bool {
	return s.haveTotal && uint32(len(s.Received)) >= s.TotalChunks
}
