package sqldb

import (
	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// NewStores creates all stores over one DB handle.
func NewStores(db *DB) *model.Stores {
	return &model.Stores{
		Meshes:        &MeshStore{db: db},
		Nodes:         &NodeStore{db: db},
		Connections:   &ConnectionStore{db: db},
		Subscriptions: &SubscriptionStore{db: db},
		Sessions:      &SessionStore{db: db},
		Messages:      &MessageStore{db: db},
		Routings:      &RoutingStore{db: db},
		EventLog:      &EventLogStore{db: db},
	}
}
