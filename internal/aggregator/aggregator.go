// Package aggregator implements the cluster-wide read path: local rows
// plus a parallel snapshot from every peer's cluster API, merged into
// one response. A peer that does not answer within the timeout appears
// as an offline entry instead of failing the whole call.
package aggregator

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"emergencyd/internal/discovery"
	"emergencyd/internal/store"
)

// PeerTimeout bounds each per-peer GET.
const PeerTimeout = 2 * time.Second

const (
	statusOK      = "ok"
	statusOffline = "offline"
)

// Aggregator fans reads out over the peer table.
type Aggregator struct {
	nodeID       int
	baseHTTPPort int
	store        *store.Store
	table        *discovery.Table
	http         *http.Client
}

// New creates an aggregator for this node.
func New(nodeID, baseHTTPPort int, st *store.Store, table *discovery.Table) *Aggregator {
	return &Aggregator{
		nodeID:       nodeID,
		baseHTTPPort: baseHTTPPort,
		store:        st,
		table:        table,
		http:         &http.Client{Timeout: PeerTimeout},
	}
}

// DoctorsSection is one node's contribution to an aggregated doctor
// listing.
type DoctorsSection struct {
	NodeID  int            `json:"node_id"`
	Source  string         `json:"source"`
	Status  string         `json:"status"`
	Count   int            `json:"count"`
	Doctors []store.Doctor `json:"doctors,omitempty"`
}

// BedsSection is one node's contribution to an aggregated bed listing.
type BedsSection struct {
	NodeID int         `json:"node_id"`
	Source string      `json:"source"`
	Status string      `json:"status"`
	Count  int         `json:"count"`
	Beds   []store.Bed `json:"beds,omitempty"`
}

// VisitsSection is one node's contribution to an aggregated visit
// listing.
type VisitsSection struct {
	NodeID int           `json:"node_id"`
	Source string        `json:"source"`
	Status string        `json:"status"`
	Count  int           `json:"count"`
	Visits []store.Visit `json:"visits,omitempty"`
}

// StatsSection is one node's stats, or its offline marker.
type StatsSection struct {
	NodeID int              `json:"node_id"`
	Source string           `json:"source"`
	Status string           `json:"status"`
	Stats  *store.NodeStats `json:"stats,omitempty"`
}

// ClusterStats is the merged capacity view.
type ClusterStats struct {
	Nodes  []StatsSection `json:"nodes"`
	Totals struct {
		Doctors struct {
			Total     int `json:"total"`
			Available int `json:"available"`
		} `json:"doctors"`
		Beds struct {
			Total     int `json:"total"`
			Available int `json:"available"`
		} `json:"beds"`
		Visits struct {
			Active    int `json:"active"`
			Completed int `json:"completed"`
		} `json:"visits"`
	} `json:"totals"`
}

// Doctors merges the local doctor list with every peer's.
func (a *Aggregator) Doctors(disponible, activo *bool) ([]DoctorsSection, error) {
	local, err := a.store.Doctors(a.nodeID, disponible, activo)
	if err != nil {
		return nil, err
	}
	sections := []DoctorsSection{{
		NodeID:  a.nodeID,
		Source:  "local",
		Status:  statusOK,
		Count:   len(local),
		Doctors: local,
	}}

	query := url.Values{}
	addBool(query, "disponible", disponible)
	addBool(query, "activo", activo)

	a.eachPeer("/api/cluster/doctors", query, func(p discovery.Peer, body []byte, ok bool) interface{} {
		sec := DoctorsSection{NodeID: p.ID, Source: fmt.Sprintf("node_%d", p.ID), Status: statusOffline}
		if ok {
			var remote struct {
				Count   int            `json:"count"`
				Doctors []store.Doctor `json:"doctors"`
			}
			if json.Unmarshal(body, &remote) == nil {
				sec.Status = statusOK
				sec.Count = remote.Count
				sec.Doctors = remote.Doctors
			}
		}
		return sec
	}, func(v interface{}) {
		sections = append(sections, v.(DoctorsSection))
	})

	return sections, nil
}

// Beds merges the local bed list with every peer's.
func (a *Aggregator) Beds(ocupada *bool) ([]BedsSection, error) {
	local, err := a.store.Beds(a.nodeID, ocupada)
	if err != nil {
		return nil, err
	}
	sections := []BedsSection{{
		NodeID: a.nodeID,
		Source: "local",
		Status: statusOK,
		Count:  len(local),
		Beds:   local,
	}}

	query := url.Values{}
	addBool(query, "ocupada", ocupada)

	a.eachPeer("/api/cluster/beds", query, func(p discovery.Peer, body []byte, ok bool) interface{} {
		sec := BedsSection{NodeID: p.ID, Source: fmt.Sprintf("node_%d", p.ID), Status: statusOffline}
		if ok {
			var remote struct {
				Count int         `json:"count"`
				Beds  []store.Bed `json:"beds"`
			}
			if json.Unmarshal(body, &remote) == nil {
				sec.Status = statusOK
				sec.Count = remote.Count
				sec.Beds = remote.Beds
			}
		}
		return sec
	}, func(v interface{}) {
		sections = append(sections, v.(BedsSection))
	})

	return sections, nil
}

// Visits merges the local visit list with every peer's.
func (a *Aggregator) Visits(estado string, limit int) ([]VisitsSection, error) {
	local, err := a.store.Visits(a.nodeID, estado, limit)
	if err != nil {
		return nil, err
	}
	sections := []VisitsSection{{
		NodeID: a.nodeID,
		Source: "local",
		Status: statusOK,
		Count:  len(local),
		Visits: local,
	}}

	query := url.Values{}
	if estado != "" {
		query.Set("estado", estado)
	}
	query.Set("limit", fmt.Sprint(limit))

	a.eachPeer("/api/cluster/visits", query, func(p discovery.Peer, body []byte, ok bool) interface{} {
		sec := VisitsSection{NodeID: p.ID, Source: fmt.Sprintf("node_%d", p.ID), Status: statusOffline}
		if ok {
			var remote struct {
				Count  int           `json:"count"`
				Visits []store.Visit `json:"visits"`
			}
			if json.Unmarshal(body, &remote) == nil {
				sec.Status = statusOK
				sec.Count = remote.Count
				sec.Visits = remote.Visits
			}
		}
		return sec
	}, func(v interface{}) {
		sections = append(sections, v.(VisitsSection))
	})

	return sections, nil
}

// Stats sums capacity counts across all live nodes.
func (a *Aggregator) Stats() (*ClusterStats, error) {
	local, err := a.store.Stats(a.nodeID)
	if err != nil {
		return nil, err
	}

	out := &ClusterStats{}
	out.Nodes = append(out.Nodes, StatsSection{
		NodeID: a.nodeID,
		Source: "local",
		Status: statusOK,
		Stats:  local,
	})

	a.eachPeer("/api/cluster/stats", nil, func(p discovery.Peer, body []byte, ok bool) interface{} {
		sec := StatsSection{NodeID: p.ID, Source: fmt.Sprintf("node_%d", p.ID), Status: statusOffline}
		if ok {
			var remote store.NodeStats
			if json.Unmarshal(body, &remote) == nil {
				sec.Status = statusOK
				sec.Stats = &remote
			}
		}
		return sec
	}, func(v interface{}) {
		out.Nodes = append(out.Nodes, v.(StatsSection))
	})

	for _, sec := range out.Nodes {
		if sec.Stats == nil {
			continue
		}
		out.Totals.Doctors.Total += sec.Stats.Doctors.Total
		out.Totals.Doctors.Available += sec.Stats.Doctors.Available
		out.Totals.Beds.Total += sec.Stats.Beds.Total
		out.Totals.Beds.Available += sec.Stats.Beds.Available
		out.Totals.Visits.Active += sec.Stats.Visits.Active
		out.Totals.Visits.Completed += sec.Stats.Visits.Completed
	}
	return out, nil
}

// eachPeer GETs path on every peer in parallel and feeds each response
// through build, then collect (collect runs on the calling goroutine).
func (a *Aggregator) eachPeer(path string, query url.Values,
	build func(p discovery.Peer, body []byte, ok bool) interface{},
	collect func(interface{})) {

	peers := a.table.Snapshot()
	if len(peers) == 0 {
		return
	}

	results := make([]interface{}, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p discovery.Peer) {
			defer wg.Done()
			body, ok := a.get(p, path, query)
			results[i] = build(p, body, ok)
		}(i, p)
	}
	wg.Wait()

	for _, r := range results {
		collect(r)
	}
}

func (a *Aggregator) get(p discovery.Peer, path string, query url.Values) ([]byte, bool) {
	u := p.HTTPAddr(a.baseHTTPPort) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := a.http.Get(u)
	if err != nil {
		log.Printf("AGGREGATOR: node %d unreachable: %v", p.ID, err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	return buf, true
}

func addBool(q url.Values, key string, v *bool) {
	if v == nil {
		return
	}
	if *v {
		q.Set(key, "true")
	} else {
		q.Set(key, "false")
	}
}
