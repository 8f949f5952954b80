package bridge

import (
	"sync"

	"github.com/rudransh-shrivastava/mead/internal/channel"
	"github.com/rudransh-shrivastava/mead/internal/protocol"
)

// Routes maps channel ids to the local send ends an Injector feeds. Workers
// add routes after the Injector is already running, so access is guarded.
type Routes struct {
	mu sync.RWMutex
	m  map[protocol.ChannelID]*channel.SendEnd
}

func NewRoutes() *Routes {
	return &Routes{m: make(map[protocol.ChannelID]*channel.SendEnd)}
}

func (r *Routes) Add(end *channel.SendEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[end.ID()] = end
}

func (r *Routes) Lookup(id protocol.ChannelID) (*channel.SendEnd, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	end, ok := r.m[id]
	if !ok {
		return nil, &channel.LookupError{ID: id, Direction: channel.DirectionSend}
	}
	return end, nil
}

func (r *Routes) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
