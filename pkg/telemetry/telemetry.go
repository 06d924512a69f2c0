// Package telemetry implements Telemetry Intake: it watches the
// overseer's heartbeat lock file and the scheduler's metrics CSV and
// normalizes whatever it finds there into EventEnvelopes for State Core.
//
// Both inputs are produced by processes outside this module, so reads use
// tidwall/gjson for forgiving field extraction rather than strict
// json.Unmarshal into a fixed struct: a heartbeat missing a field, or
// carrying extra ones, should degrade to a partial event, not an ingest
// failure.
package telemetry

import (
	"bufio"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/tidwall/gjson"
)

// maxMetricsRows is how many trailing rows of agent_metrics.csv get turned
// into events per ingest call.
const maxMetricsRows = 5

// Intake collects and normalizes telemetry from the overseer heartbeat and
// the scheduler's metrics log.
type Intake struct {
	root       string
	heartbeat  string
	metricsCSV string
}

// New constructs an Intake rooted at root, matching the original layout:
// <root>/outgoing/cbo.lock for the heartbeat and <root>/logs/agent_metrics.csv
// for scheduler metrics.
func New(root string) *Intake {
	return &Intake{
		root:       root,
		heartbeat:  filepath.Join(root, "outgoing", "cbo.lock"),
		metricsCSV: filepath.Join(root, "logs", "agent_metrics.csv"),
	}
}

// IngestRecent reads the heartbeat and trailing metrics rows and returns
// the resulting event envelopes. maxAge applies to the heartbeat only (a
// heartbeat whose ts is older is dropped); metrics rows are not filtered
// by age.
func (in *Intake) IngestRecent(maxAge time.Duration) []calyxtypes.EventEnvelope {
	logger := log.WithComponent("telemetry")
	var events []calyxtypes.EventEnvelope

	if hb, ok := in.readHeartbeat(maxAge); ok {
		events = append(events, hb)
	}

	metrics, err := in.readLatestMetrics()
	if err != nil {
		logger.Debug().Err(err).Msg("no scheduler metrics available")
	} else {
		events = append(events, metrics...)
	}

	return events
}

func (in *Intake) readHeartbeat(maxAge time.Duration) (calyxtypes.EventEnvelope, bool) {
	data, err := os.ReadFile(in.heartbeat)
	if err != nil {
		return calyxtypes.EventEnvelope{}, false
	}

	result := gjson.ParseBytes(data)
	if !result.Exists() {
		return calyxtypes.EventEnvelope{}, false
	}

	ts := result.Get("ts").Float()
	eventTime := time.Unix(int64(ts), 0)
	if ts == 0 || time.Since(eventTime) > maxAge {
		return calyxtypes.EventEnvelope{}, false
	}

	payload := map[string]interface{}{
		"metrics":  jsonValue(result.Get("metrics")),
		"gates":    jsonValue(result.Get("gates")),
		"locks":    jsonValue(result.Get("locks")),
		"capacity": jsonValue(result.Get("capacity")),
	}

	return calyxtypes.NewEventEnvelope(eventTime, "cbo_overseer", calyxtypes.CategoryStatus, payload), true
}

func (in *Intake) readLatestMetrics() ([]calyxtypes.EventEnvelope, error) {
	f, err := os.Open(in.metricsCSV)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	var rows [][]string
	for {
		row, err := reader.Read()
		if err != nil {
			break
		}
		rows = append(rows, row)
	}

	if len(rows) > maxMetricsRows {
		rows = rows[len(rows)-maxMetricsRows:]
	}

	events := make([]calyxtypes.EventEnvelope, 0, len(rows))
	for _, row := range rows {
		tes, ok := parseFloatField(row, index, "tes")
		if !ok {
			continue
		}

		duration, _ := parseFloatField(row, index, "duration_s")
		changedFiles, _ := parseIntField(row, index, "changed_files")

		ts := field(row, index, "iso_ts")
		eventTime := time.Now()
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			eventTime = parsed
		}

		payload := map[string]interface{}{
			"tes":           tes,
			"duration_s":    duration,
			"status":        stringOr(field(row, index, "status"), "unknown"),
			"changed_files": changedFiles,
			"autonomy_mode": stringOr(field(row, index, "autonomy_mode"), "safe"),
		}

		event := calyxtypes.NewEventEnvelope(eventTime, "agent_scheduler", calyxtypes.CategoryMetric, payload)
		event.Confidence = 0.9
		events = append(events, event)
	}

	return events, nil
}

// IngestFile reads a single JSON file as a status event, rejecting files
// modified more than five minutes ago.
func (in *Intake) IngestFile(path, source string) (calyxtypes.EventEnvelope, bool) {
	stat, err := os.Stat(path)
	if err != nil {
		return calyxtypes.EventEnvelope{}, false
	}
	if time.Since(stat.ModTime()) > 5*time.Minute {
		return calyxtypes.EventEnvelope{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return calyxtypes.EventEnvelope{}, false
	}

	result := gjson.ParseBytes(data)
	if !result.Exists() {
		return calyxtypes.EventEnvelope{}, false
	}

	payload := map[string]interface{}{}
	result.ForEach(func(key, value gjson.Result) bool {
		payload[key.String()] = jsonValue(value)
		return true
	})

	event := calyxtypes.NewEventEnvelope(stat.ModTime(), source, calyxtypes.CategoryStatus, payload)
	event.Confidence = 0.8
	return event, true
}

func field(row []string, index map[string]int, name string) string {
	i, ok := index[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseFloatField(row []string, index map[string]int, name string) (float64, bool) {
	v, err := strconv.ParseFloat(field(row, index, name), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseIntField(row []string, index map[string]int, name string) (int, bool) {
	v, err := strconv.Atoi(field(row, index, name))
	if err != nil {
		return 0, false
	}
	return v, true
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// jsonValue converts a gjson.Result into a plain interface{} suitable for
// embedding in an EventEnvelope payload map.
func jsonValue(r gjson.Result) interface{} {
	if !r.Exists() {
		return nil
	}
	return r.Value()
}
