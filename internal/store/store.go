// Package store keeps the rendezvous server's table of clients waiting for
// a partner.
package store

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/mead/internal/db"
)

type WaiterStore struct {
	DB *gorm.DB
}

func NewWaiterStore(gdb *gorm.DB) *WaiterStore {
	return &WaiterStore{DB: gdb}
}

func (ws *WaiterStore) Waiting(ctx context.Context, channel string) (Waiter, bool, error) {
	var row db.Waiter
	err := ws.DB.WithContext(ctx).First(&row, "channel = ?", channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Waiter{}, false, nil
	}
	if err != nil {
		return Waiter{}, false, err
	}

	return Waiter{
		Channel:  row.Channel,
		Addr:     &net.UDPAddr{IP: net.ParseIP(row.IPAddress), Port: row.Port},
		NATClass: row.NATClass,
	}, true, nil
}

// Park records w, replacing any earlier waiter on the same channel.
func (ws *WaiterStore) Park(ctx context.Context, w Waiter) error {
	row := db.Waiter{
		Channel:   w.Channel,
		IPAddress: w.Addr.IP.String(),
		Port:      w.Addr.Port,
		NATClass:  w.NATClass,
		CreatedAt: time.Now().Unix(),
	}
	return ws.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel"}},
		DoUpdates: clause.AssignmentColumns([]string{"ip_address", "port", "nat_class", "created_at"}),
	}).Create(&row).Error
}

func (ws *WaiterStore) Remove(ctx context.Context, channel string) error {
	return ws.DB.WithContext(ctx).Where("channel = ?", channel).Delete(&db.Waiter{}).Error
}

func (ws *WaiterStore) DropAll(ctx context.Context) error {
	return ws.DB.WithContext(ctx).Where("1 = 1").Delete(&db.Waiter{}).Error
}

// MemoryStore is the default, process-local channel table.
type MemoryStore struct {
	mu      sync.Mutex
	waiters map[string]Waiter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{waiters: make(map[string]Waiter)}
}

func (ms *MemoryStore) Waiting(_ context.Context, channel string) (Waiter, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	w, ok := ms.waiters[channel]
	return w, ok, nil
}

func (ms *MemoryStore) Park(_ context.Context, w Waiter) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.waiters[w.Channel] = w
	return nil
}

func (ms *MemoryStore) Remove(_ context.Context, channel string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.waiters, channel)
	return nil
}

func (ms *MemoryStore) DropAll(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.waiters = make(map[string]Waiter)
	return nil
}
