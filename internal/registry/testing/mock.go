package testing

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fastping-it/proxypool/internal/model"
)

type MockRegistry struct {
	mock.Mock
}

func NewMockRegistry() *MockRegistry {
	return new(MockRegistry)
}

func softCastPoolEntries(something interface{}) []*model.ResourcePoolEntry {
	if something == nil {
		return nil
	}
	return something.([]*model.ResourcePoolEntry)
}

func softCastAllocations(something interface{}) []*model.ResourceAllocation {
	if something == nil {
		return nil
	}
	return something.([]*model.ResourceAllocation)
}

func (m *MockRegistry) GetWhitelist(ip string) (*model.WhitelistEntry, error) {
	a := m.Called(ip)
	tmp := a.Get(0)
	if tmp == nil {
		return nil, a.Error(1)
	}
	return tmp.(*model.WhitelistEntry), a.Error(1)
}

func (m *MockRegistry) PutWhitelist(entry *model.WhitelistEntry) error {
	a := m.Called(entry)
	return a.Error(0)
}

func (m *MockRegistry) DeactivateWhitelist(ip string) error {
	a := m.Called(ip)
	return a.Error(0)
}

func (m *MockRegistry) GetPoolEntry(poolID string) (*model.ResourcePoolEntry, error) {
	a := m.Called(poolID)
	tmp := a.Get(0)
	if tmp == nil {
		return nil, a.Error(1)
	}
	return tmp.(*model.ResourcePoolEntry), a.Error(1)
}

func (m *MockRegistry) PutPoolEntry(entry *model.ResourcePoolEntry) error {
	a := m.Called(entry)
	return a.Error(0)
}

func (m *MockRegistry) ListPoolEntries() ([]*model.ResourcePoolEntry, error) {
	a := m.Called()
	return softCastPoolEntries(a.Get(0)), a.Error(1)
}

func (m *MockRegistry) ClaimPoolEntry(poolID string) error {
	a := m.Called(poolID)
	return a.Error(0)
}

func (m *MockRegistry) ReleasePoolEntry(poolID string) error {
	a := m.Called(poolID)
	return a.Error(0)
}

func (m *MockRegistry) GetAllocation(allocationID string) (*model.ResourceAllocation, error) {
	a := m.Called(allocationID)
	tmp := a.Get(0)
	if tmp == nil {
		return nil, a.Error(1)
	}
	return tmp.(*model.ResourceAllocation), a.Error(1)
}

func (m *MockRegistry) PutAllocation(allocation *model.ResourceAllocation) error {
	a := m.Called(allocation)
	return a.Error(0)
}

func (m *MockRegistry) DeactivateAllocation(allocationID string) error {
	a := m.Called(allocationID)
	return a.Error(0)
}

func (m *MockRegistry) ListAllocationsByCustomer(customerID string) ([]*model.ResourceAllocation, error) {
	a := m.Called(customerID)
	return softCastAllocations(a.Get(0)), a.Error(1)
}

func (m *MockRegistry) ListExpiredAllocations(now time.Time) ([]*model.ResourceAllocation, error) {
	a := m.Called(now)
	return softCastAllocations(a.Get(0)), a.Error(1)
}

func (m *MockRegistry) IncrementWindow(ip string, window time.Duration, now time.Time) (int64, time.Time, error) {
	a := m.Called(ip, window, now)
	return a.Get(0).(int64), a.Get(1).(time.Time), a.Error(2)
}

func (m *MockRegistry) AppendUsage(record *model.UsageRecord) error {
	a := m.Called(record)
	return a.Error(0)
}
