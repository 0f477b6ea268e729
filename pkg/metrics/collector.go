package metrics

import (
	"time"

	"github.com/lynfabric/fabric/pkg/storage"
)

// Collector periodically samples the MetadataStore and refreshes the
// inventory gauges (ServersTotal, GroupsTotal, ShardsTotal, MappingsTotal).
type Collector struct {
	store  storage.MetadataStore
	stopCh chan struct{}
}

// NewCollector creates a collector over the given MetadataStore.
func NewCollector(store storage.MetadataStore) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection every 15 seconds, and once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	txn, err := c.store.Begin()
	if err != nil {
		return
	}
	defer txn.Rollback()

	c.collectServers(txn)
	c.collectGroups(txn)
	c.collectShards(txn)
	c.collectMappings(txn)
}

func (c *Collector) collectServers(txn storage.Txn) {
	servers, err := txn.ListServers()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, s := range servers {
		counts[string(s.Status)]++
	}
	for status, n := range counts {
		ServersTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectGroups(txn storage.Txn) {
	groups, err := txn.ListGroups()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, g := range groups {
		counts[string(g.Status)]++
	}
	for status, n := range counts {
		GroupsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectShards(txn storage.Txn) {
	mappings, err := txn.ListMappings()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, m := range mappings {
		shards, err := txn.ListShardsByMapping(m.MappingID)
		if err != nil {
			continue
		}
		for _, s := range shards {
			counts[string(s.State)]++
		}
	}
	for state, n := range counts {
		ShardsTotal.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) collectMappings(txn storage.Txn) {
	mappings, err := txn.ListMappings()
	if err != nil {
		return
	}
	MappingsTotal.Set(float64(len(mappings)))
}
