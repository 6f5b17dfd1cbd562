package signal

import (
	"fmt"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// Source names one channel a derived signal is composed from. The name
// is the argument name transforms refer to it by.
type Source struct {
	Name    string
	Channel channel.Channel
}

// Sources is the arena of source channels, indexed by position and
// looked up by argument name.
type Sources struct {
	names []string
	chans []channel.Channel
	index map[string]int
}

func NewSources(srcs ...Source) (*Sources, error) {
	if len(srcs) == 0 {
		return nil, fmt.Errorf("derived signal needs at least one source")
	}
	s := &Sources{
		names: make([]string, len(srcs)),
		chans: make([]channel.Channel, len(srcs)),
		index: make(map[string]int, len(srcs)),
	}
	for i, src := range srcs {
		if src.Name == "" {
			return nil, fmt.Errorf("source %d has no name", i)
		}
		if src.Channel == nil {
			return nil, fmt.Errorf("source %q has no channel", src.Name)
		}
		if _, dup := s.index[src.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", src.Name)
		}
		s.names[i] = src.Name
		s.chans[i] = src.Channel
		s.index[src.Name] = i
	}
	return s, nil
}

func (s *Sources) Len() int { return len(s.names) }

func (s *Sources) Name(i int) string { return s.names[i] }

func (s *Sources) Channel(i int) channel.Channel { return s.chans[i] }

func (s *Sources) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Lookup returns the channel registered under name.
func (s *Sources) Lookup(name string) (channel.Channel, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.chans[i], true
}

func (s *Sources) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Values carries one value per source, in source order.
type Values struct {
	src  *Sources
	vals []any
}

func NewValues(src *Sources, vals []any) Values {
	return Values{src: src, vals: vals}
}

func (v Values) Len() int { return len(v.vals) }

func (v Values) At(i int) any { return v.vals[i] }

func (v Values) Get(name string) (any, bool) {
	i, ok := v.src.Index(name)
	if !ok {
		return nil, false
	}
	return v.vals[i], true
}

func (v Values) Float(name string) (float64, error) {
	raw, ok := v.Get(name)
	if !ok {
		return 0, fmt.Errorf("unknown source %q", name)
	}
	f, ok := channel.ToFloat(raw)
	if !ok {
		return 0, fmt.Errorf("source %q value %v is not numeric", name, raw)
	}
	return f, nil
}

// Map returns the values keyed by source name.
func (v Values) Map() map[string]any {
	m := make(map[string]any, len(v.vals))
	for i, val := range v.vals {
		m[v.src.Name(i)] = val
	}
	return m
}
