package coordinator

import (
	"encoding/json"
	"log"
	"net"

	"emergencyd/internal/discovery"
	"emergencyd/internal/store"
	"emergencyd/internal/transport"
)

// Consensus broadcasts a command and requires CONSENSUS_OK from a
// majority of the cluster (self counts — the caller has already applied
// or will apply locally). With N cluster members, ⌊N/2⌋+1 acks succeed;
// exactly N/2 do not.
func (c *Coordinator) Consensus(cmd *transport.Command) error {
	peers := c.table.Snapshot()
	total := len(peers) + 1 // include self
	needed := total/2 + 1

	acks := 1 // self
	for _, ok := range c.fanout(peers, cmd) {
		if ok {
			acks++
		}
	}

	if acks < needed {
		return errf(KindConsensusFailed, "%d/%d acks (needed %d)", acks, total, needed)
	}
	return nil
}

// broadcast sends a command to every peer, best effort.
func (c *Coordinator) broadcast(cmd *transport.Command) {
	for id, ok := range c.fanout(c.table.Snapshot(), cmd) {
		if !ok {
			log.Printf("COORDINATOR: %s to node %d not acknowledged", cmd.Action, id)
		}
	}
}

// fanout delivers the command to all peers concurrently and reports
// which acknowledged with CONSENSUS_OK.
func (c *Coordinator) fanout(peers []discovery.Peer, cmd *transport.Command) map[int]bool {
	type result struct {
		id int
		ok bool
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		go func(p discovery.Peer) {
			reply, err := c.client.RequestToken(p.TCPAddr(), cmd)
			results <- result{id: p.ID, ok: err == nil && reply == transport.ReplyConsensusOK}
		}(p)
	}

	out := make(map[int]bool, len(peers))
	for range peers {
		r := <-results
		out[r.id] = r.ok
	}
	return out
}

// HandleMessage applies replication/consensus commands from peers. It
// satisfies transport.Handler for Command messages.
func (c *Coordinator) HandleMessage(msg interface{}, remote net.Addr) []byte {
	cmd, ok := msg.(*transport.Command)
	if !ok {
		return nil
	}

	if err := c.applyCommand(cmd); err != nil {
		log.Printf("COORDINATOR: %s from %s rejected: %v", cmd.Action, remote, err)
		return []byte(transport.ReplyConsensusRejected)
	}
	return []byte(transport.ReplyConsensusOK)
}

func (c *Coordinator) applyCommand(cmd *transport.Command) error {
	switch cmd.Action {
	case transport.ActionInsertPatient:
		var p store.Patient
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return c.store.ApplyReplicatedPatient(&p)

	case transport.ActionAssignResources:
		var v store.Visit
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		_, err := c.store.ApplyReplicatedVisit(&v)
		return err

	case transport.ActionCloseVisit:
		var p closePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return c.store.ApplyReplicatedClose(p.Folio, p.Diagnostico, p.FechaCierre)

	case transport.ActionIncrementSequence:
		var p seqPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		_, err := c.store.NextConsecutivo(p.SalaID)
		return err
	}
	return errf(KindValidation, "unknown command %q", cmd.Action)
}

// ReceiveReplicatedVisit applies a visit pushed by the leader over the
// HTTP replication endpoint. Duplicate folios acknowledge without
// re-inserting — the caller may retry freely.
func (c *Coordinator) ReceiveReplicatedVisit(v *store.Visit) error {
	inserted, err := c.store.ApplyReplicatedVisit(v)
	if err != nil {
		return err
	}
	if inserted {
		log.Printf("COORDINATOR: replicated visit %s applied", v.Folio)
		c.emit("visit_replicated", v)
	} else {
		log.Printf("COORDINATOR: visit %s already present, replication acknowledged", v.Folio)
	}
	return nil
}
