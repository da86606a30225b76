package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// StatsSnapshot is the most recent statistics poll of one connection.
type StatsSnapshot struct {
	PacketLossPct float64
	RTT           time.Duration
	BytesSent     uint64
	BytesReceived uint64
	Timestamp     time.Time
}

// Thresholds classify a connection as poor when packet loss or round-trip
// time exceed these ceilings.
type Thresholds struct {
	MaxPacketLossPct float64
	MaxRTT           time.Duration
}

// DefaultThresholds matches the config defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxPacketLossPct: 10.0, MaxRTT: 500 * time.Millisecond}
}

// classifyQuality derives the displayed quality from the observed states
// and the latest stats snapshot (which may be nil before the first poll):
// excellent when connection and ICE are both fully connected, good while
// still negotiating, poor when loss or RTT breach the thresholds,
// disconnected otherwise.
func classifyQuality(cs webrtc.PeerConnectionState, ice webrtc.ICEConnectionState, stats *StatsSnapshot, th Thresholds) Quality {
	switch cs {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return QualityDisconnected
	}
	switch ice {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		return QualityDisconnected
	}

	if stats != nil {
		if stats.PacketLossPct > th.MaxPacketLossPct || stats.RTT > th.MaxRTT {
			return QualityPoor
		}
	}

	if cs == webrtc.PeerConnectionStateConnected &&
		(ice == webrtc.ICEConnectionStateConnected || ice == webrtc.ICEConnectionStateCompleted) {
		return QualityExcellent
	}
	return QualityGood
}

// collectStats extracts loss, RTT and byte counters from a stats report.
func collectStats(report webrtc.StatsReport) *StatsSnapshot {
	snap := &StatsSnapshot{Timestamp: time.Now()}

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				rtt := time.Duration(st.CurrentRoundTripTime * float64(time.Second))
				if snap.RTT == 0 || rtt < snap.RTT {
					snap.RTT = rtt
				}
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if loss := st.FractionLost * 100; loss > snap.PacketLossPct {
				snap.PacketLossPct = loss
			}
			if st.RoundTripTime > 0 && snap.RTT == 0 {
				snap.RTT = time.Duration(st.RoundTripTime * float64(time.Second))
			}
		case webrtc.OutboundRTPStreamStats:
			snap.BytesSent += st.BytesSent
		case webrtc.InboundRTPStreamStats:
			snap.BytesReceived += st.BytesReceived
		}
	}
	return snap
}
