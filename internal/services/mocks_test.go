package services

import (
	"github.com/stretchr/testify/mock"
)

type MockKeystore struct {
	mock.Mock
}

func (m *MockKeystore) GenerateStationKey(stationID string) error {
	args := m.Called(stationID)
	return args.Error(0)
}

func (m *MockKeystore) RotateStationKey(stationID string) error {
	args := m.Called(stationID)
	return args.Error(0)
}

func (m *MockKeystore) DeleteStationKey(stationID string) error {
	args := m.Called(stationID)
	return args.Error(0)
}

func (m *MockKeystore) Sign(stationID string, payload []byte) (string, error) {
	args := m.Called(stationID, payload)
	return args.String(0), args.Error(1)
}

func (m *MockKeystore) Verify(stationID string, payload []byte, signature string) (bool, error) {
	args := m.Called(stationID, payload, signature)
	return args.Bool(0), args.Error(1)
}
