package server

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/protocol"
	"github.com/goccy/go-json"
)

// ServerStats is the statistics document of a server (admin port "stats"
// and GET /stats)
type ServerStats struct {
	Version        string                  `json:"version"`
	PID            int                     `json:"pid"`
	UptimeSeconds  int64                   `json:"uptime"`
	Time           int64                   `json:"time"`
	Sessions       map[string]int          `json:"sessions"`
	Commands       map[string]CommandStats `json:"commands"`
	ProtocolErrors int64                   `json:"protocol_errors"`
	Cache          db.CacheInfo            `json:"cache"`
}

// Stats collects the current statistics
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *CacheServer) Stats() ServerStats {
	now := time.Now()
	sessions := map[string]int{"cache": s.transport.Sessions()}
	if s.admin != nil {
		sessions["admin"] = s.admin.Sessions()
	}
	return ServerStats{
		Version:        common.Version,
		PID:            os.Getpid(),
		UptimeSeconds:  int64(now.Sub(s.started) / time.Second),
		Time:           now.Unix(),
		Sessions:       sessions,
		Commands:       s.commands.snapshot(),
		ProtocolErrors: s.commands.protocolErrors.Count(),
		Cache:          s.cache.GetInfo(),
	}
}

// --------------------------------------------------------------------------
// Flattening
// --------------------------------------------------------------------------

// stat is one leaf of a flattened statistics document
type stat struct {
	name    string
	value   string
	numeric bool
}

// flattenStats converts a json document into dot separated leaves sorted by
// name. Arrays are indexed by position.
func flattenStats(doc any) ([]stat, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	var stats []stat
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		join := func(name string) string {
			if prefix == "" {
				return name
			}
			return prefix + "." + name
		}
		switch v := v.(type) {
		case map[string]any:
			for name, child := range v {
				walk(join(name), child)
			}
		case []any:
			for i, child := range v {
				walk(join(strconv.Itoa(i)), child)
			}
		case json.Number:
			stats = append(stats, stat{name: prefix, value: v.String(), numeric: true})
		case bool:
			stats = append(stats, stat{name: prefix, value: strconv.FormatBool(v)})
		case string:
			stats = append(stats, stat{name: prefix, value: strings.ReplaceAll(v, " ", "_")})
		case nil:
		default:
			stats = append(stats, stat{name: prefix, value: fmt.Sprint(v)})
		}
	}
	walk("", tree)

	sort.Slice(stats, func(i, j int) bool { return stats[i].name < stats[j].name })
	return stats, nil
}

// appendStats appends the STAT lines of the server followed by END
func (s *CacheServer) appendStats(out []byte) []byte {
	stats, err := flattenStats(s.Stats())
	if err != nil {
		Logger.Errorf("failed to collect stats: %v", err)
		return protocol.AppendError(out, err)
	}
	for _, st := range stats {
		out = protocol.AppendStat(out, st.name, st.value)
	}
	return append(out, protocol.RespEnd...)
}

// --------------------------------------------------------------------------
// Prometheus exposition
// --------------------------------------------------------------------------

// writeMetrics refreshes the statistics gauges and writes them in the
// Prometheus text format
func (s *CacheServer) writeMetrics(w io.Writer) {
	stats, err := flattenStats(s.Stats())
	if err != nil {
		Logger.Errorf("failed to collect stats: %v", err)
		return
	}
	for _, st := range stats {
		if !st.numeric {
			continue
		}
		v, err := strconv.ParseFloat(st.value, 64)
		if err != nil {
			continue
		}
		s.statsSet.GetOrCreateFloatCounter(metricName(st.name)).Set(v)
	}
	s.statsSet.WritePrometheus(w)
}

// metricName converts a stat name into a Prometheus metric name
func metricName(name string) string {
	var sb strings.Builder
	sb.WriteString("segcache_")
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			sb.WriteRune(c)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
