package decora

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func decodeHealth(t *testing.T, payload []byte) HealthMessage {
	t.Helper()
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("health payload did not decode: %v", err)
	}
	return msg
}

func TestHealthReporterPublishesPeriodically(t *testing.T) {
	client := newMockMQTTClient()
	reporter := NewHealthReporter(HealthReporterConfig{
		BridgeID:  BridgeID,
		Version:   "1.2.3",
		Interval:  20 * time.Millisecond,
		Publisher: client,
		Snapshot: func() HealthSnapshot {
			return HealthSnapshot{
				DevicesManaged:    2,
				DevicesReady:      2,
				CommandsProcessed: 7,
				Advertisements:    41,
			}
		},
	})
	reporter.Start(context.Background())
	defer reporter.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return len(client.messages(HealthTopic())) >= 2
	}, "periodic health publishes")

	msgs := client.messages(HealthTopic())
	first := msgs[0]
	if first.qos != 1 || !first.retained {
		t.Errorf("health publish qos=%d retained=%t, want 1/true", first.qos, first.retained)
	}

	health := decodeHealth(t, first.payload)
	if health.Status != HealthHealthy {
		t.Errorf("Status = %q, want %q", health.Status, HealthHealthy)
	}
	if health.Bridge != BridgeID || health.Version != "1.2.3" {
		t.Errorf("identity fields = %q/%q", health.Bridge, health.Version)
	}
	if health.DevicesManaged != 2 || health.DevicesReady != 2 {
		t.Errorf("devices = %d/%d, want 2/2", health.DevicesManaged, health.DevicesReady)
	}
	if health.Statistics == nil || health.Statistics.CommandsProcessed != 7 {
		t.Errorf("Statistics = %+v, want commands 7", health.Statistics)
	}
}

func TestHealthReporterDegradedStates(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		snapshot   HealthSnapshot
		wantStatus HealthStatus
		wantReason string
	}{
		{
			name:       "healthy",
			connected:  true,
			snapshot:   HealthSnapshot{DevicesManaged: 2, DevicesReady: 1},
			wantStatus: HealthHealthy,
		},
		{
			name:       "mqtt disconnected",
			connected:  false,
			snapshot:   HealthSnapshot{DevicesManaged: 2, DevicesReady: 2},
			wantStatus: HealthDegraded,
			wantReason: "MQTT disconnected",
		},
		{
			name:       "no devices reachable",
			connected:  true,
			snapshot:   HealthSnapshot{DevicesManaged: 3, DevicesReady: 0},
			wantStatus: HealthDegraded,
			wantReason: "no devices reachable",
		},
		{
			name:       "no devices managed at all",
			connected:  true,
			snapshot:   HealthSnapshot{},
			wantStatus: HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockMQTTClient()
			client.setConnected(tt.connected)
			snap := tt.snapshot
			reporter := NewHealthReporter(HealthReporterConfig{
				BridgeID:  BridgeID,
				Publisher: client,
				Snapshot:  func() HealthSnapshot { return snap },
			})

			if err := reporter.PublishNow(); err != nil {
				t.Fatalf("PublishNow failed: %v", err)
			}

			msg, ok := client.lastMessage(HealthTopic())
			if !ok {
				t.Fatal("no health message published")
			}
			health := decodeHealth(t, msg.payload)
			if health.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", health.Status, tt.wantStatus)
			}
			if health.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", health.Reason, tt.wantReason)
			}
		})
	}
}

func TestHealthReporterStopPublishesStopping(t *testing.T) {
	client := newMockMQTTClient()
	reporter := NewHealthReporter(HealthReporterConfig{
		BridgeID:  BridgeID,
		Interval:  time.Hour,
		Publisher: client,
	})
	reporter.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return len(client.messages(HealthTopic())) >= 1
	}, "initial health publish")

	reporter.Stop()
	reporter.Stop() // idempotent

	msg, ok := client.lastMessage(HealthTopic())
	if !ok {
		t.Fatal("no health message published")
	}
	health := decodeHealth(t, msg.payload)
	if health.Status != HealthStopping {
		t.Errorf("final Status = %q, want %q", health.Status, HealthStopping)
	}
}

func TestHealthReporterPublishStarting(t *testing.T) {
	client := newMockMQTTClient()
	reporter := NewHealthReporter(HealthReporterConfig{BridgeID: BridgeID, Publisher: client})

	if err := reporter.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting failed: %v", err)
	}
	msg, ok := client.lastMessage(HealthTopic())
	if !ok {
		t.Fatal("no health message published")
	}
	if health := decodeHealth(t, msg.payload); health.Status != HealthStarting {
		t.Errorf("Status = %q, want %q", health.Status, HealthStarting)
	}
}

func TestHealthReporterLWT(t *testing.T) {
	reporter := NewHealthReporter(HealthReporterConfig{BridgeID: BridgeID})

	if got := reporter.GetLWTTopic(); got != "decora/health/decora" {
		t.Errorf("GetLWTTopic() = %q, want %q", got, "decora/health/decora")
	}

	payload, err := reporter.GetLWTPayload()
	if err != nil {
		t.Fatalf("GetLWTPayload failed: %v", err)
	}
	lwt := decodeHealth(t, payload)
	if lwt.Status != HealthOffline {
		t.Errorf("LWT Status = %q, want %q", lwt.Status, HealthOffline)
	}
}
