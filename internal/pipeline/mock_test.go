package pipeline

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/security"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Observe(ev security.Event) security.Verdict {
	return m.Called(ev).Get(0).(security.Verdict)
}

func (m *mockEngine) Detect(snap collector.Snapshot) []security.Finding {
	f, _ := m.Called(snap).Get(0).([]security.Finding)
	return f
}

func (m *mockEngine) Report(findings []security.Finding) {
	m.Called(findings)
}

func TestProcess_FillsEventFromFlow(t *testing.T) {
	engine := new(mockEngine)
	zones := staticZones{"lan": {ID: "lan", Networks: []string{"10.0.0.0/8"}}}
	p := New(engine, zones, logging.Discard())

	snap := snapshot(1, inbound("192.168.1.10:22", "10.1.2.3:40000"))
	engine.On("Observe", mock.MatchedBy(func(ev security.Event) bool {
		return ev.Source == netip.MustParseAddr("10.1.2.3") &&
			ev.DstPort == 22 &&
			ev.Protocol == "tcp" &&
			ev.Zone == "lan" &&
			ev.Time.Equal(snap.Timestamp)
	})).Return(security.Verdict{Action: security.ActionAllow}).Once()
	engine.On("Detect", snap).Return(nil).Once()
	engine.On("Report", mock.Anything).Once()

	res := p.Process(snap)
	assert.Equal(t, 1, res.Evaluated)
	assert.Zero(t, res.Blocked)
	engine.AssertExpectations(t)
}

func TestProcess_ReportsOnlyNewFindings(t *testing.T) {
	engine := new(mockEngine)
	p := New(engine, nil, logging.Discard())

	scan := security.Finding{Rule: "port_scan", Remote: netip.MustParseAddr("198.51.100.4"), Ports: []uint16{22, 80, 443}}
	telnet := security.Finding{Rule: "suspicious_port", Remote: netip.MustParseAddr("198.51.100.5"), Ports: []uint16{23}}

	first, second := snapshot(1), snapshot(2)
	engine.On("Detect", first).Return([]security.Finding{scan}).Once()
	engine.On("Detect", second).Return([]security.Finding{scan, telnet}).Once()
	engine.On("Report", []security.Finding{scan}).Once()
	engine.On("Report", []security.Finding{telnet}).Once()

	assert.Equal(t, 1, p.Process(first).Findings)
	assert.Equal(t, 1, p.Process(second).Findings)
	engine.AssertExpectations(t)
	engine.AssertNotCalled(t, "Observe", mock.Anything)
}
