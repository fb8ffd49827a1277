package export

import (
	"strconv"
	"testing"
	"time"

	"metereye/internal/config"
	"metereye/internal/model"
)

func TestTopicFor(t *testing.T) {
	meter := model.ReadingEvent(model.Reading{CameraID: "cam-01", MeterID: "meter-01"})
	lamp := model.IndicatorEvent(model.IndicatorReading{CameraID: "cam-01", IndicatorID: "fire-west"})

	cases := []struct {
		name     string
		template string
		ev       model.Event
		want     string
	}{
		{"meter default", "ctme/{camera_id}/{meter_id}", meter, "ctme/cam-01/meter-01"},
		{"indicator via meter slot", "ctme/{camera_id}/{meter_id}", lamp, "ctme/cam-01/fire-west"},
		{"indicator placeholder", "plant/{camera_id}/lamps/{indicator_id}", lamp, "plant/cam-01/lamps/fire-west"},
		{"no placeholders", "fixed/topic", meter, "fixed/topic"},
		{"repeated placeholder", "{camera_id}/{camera_id}", meter, "cam-01/cam-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := topicFor(tc.template, tc.ev); got != tc.want {
				t.Errorf("topicFor(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}

// The broker is never dialed here: Start is not called, so submitted
// events accumulate in the pending queue like they do during an outage.
func TestMQTTSinkPendingQueueDropsOldest(t *testing.T) {
	cfg := config.MQTTExportConfig{
		Enabled:       true,
		Broker:        "broker.invalid",
		Port:          1883,
		TopicTemplate: "ctme/{camera_id}/{meter_id}",
		QoS:           1,
	}
	s := NewMQTTSink(cfg, testMetrics)

	total := sinkQueueSize + 3
	for i := 0; i < total; i++ {
		s.Submit(numberedReading(i))
	}

	if len(s.queue) != sinkQueueSize {
		t.Fatalf("queue len = %d, want %d", len(s.queue), sinkQueueSize)
	}

	select {
	case ev := <-s.queue:
		if ev.Reading.RawText != strconv.Itoa(3) {
			t.Errorf("oldest kept = %s, want 3", ev.Reading.RawText)
		}
	case <-time.After(time.Second):
		t.Fatal("queue empty")
	}
}
