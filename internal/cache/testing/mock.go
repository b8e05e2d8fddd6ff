package testing

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fastping-it/proxypool/internal/model"
)

type MockCache struct {
	mock.Mock
}

func NewMockCache() *MockCache {
	return new(MockCache)
}

func (m *MockCache) GetWhitelist(ip string) (*model.WhitelistEntry, bool) {
	a := m.Called(ip)
	tmp := a.Get(0)
	if tmp == nil {
		return nil, a.Bool(1)
	}
	return tmp.(*model.WhitelistEntry), a.Bool(1)
}

func (m *MockCache) PutWhitelist(ip string, entry *model.WhitelistEntry, ttl time.Duration) {
	m.Called(ip, entry, ttl)
}

func (m *MockCache) InvalidateWhitelist(ip string) {
	m.Called(ip)
}

func (m *MockCache) IncrementWindow(ip string, window time.Duration) (int64, time.Time, error) {
	a := m.Called(ip, window)
	return a.Get(0).(int64), a.Get(1).(time.Time), a.Error(2)
}
