// Package broadcast fans registry events out to observers.
//
// Each observer owns a bounded, ordered queue. Publish never blocks: an
// observer whose queue is full is evicted and its queue closed, which its
// connection handler treats as a disconnect. Evicting rather than dropping
// single events keeps every surviving observer's view gap-free.
//
// Subscribe registers the observer from inside the registry's Observe
// callback and queues the replay (server_status, clients_list,
// ticket_map_changed) before returning. Because the registry emits events
// under the same lock, no increment can precede the replay or be missed.
//
// Lock order is registry first, then hub.
package broadcast
