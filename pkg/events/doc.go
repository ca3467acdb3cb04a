/*
Package events provides an in-memory event broker for segment lifecycle
notifications.

The broker broadcasts every published event to all subscribers over buffered
channels. Publishing never blocks: a subscriber whose buffer is full skips
the event. Delivery is best effort, suitable for monitoring and audit hooks,
not for critical control flow.

Event flow:

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each)

Event types cover segment CRUD (segment.created, segment.updated,
segment.deleted), the allocation lifecycle (segment.allocated,
segment.released), and VLAN provisioning side effects (vlan.created,
vlan.deleted).
*/
package events
