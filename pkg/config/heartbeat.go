package config

const EntryProducerHeartbeatTime uint16 = 0x1017

// Update a nodes heartbeat period in milliseconds
func HeartbeatPeriod(periodMs uint16) Entry {
	return Entry{Index: EntryProducerHeartbeatTime, Subindex: 0, Value: uint32(periodMs), Size: 2}
}
