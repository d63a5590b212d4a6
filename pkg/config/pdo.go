package config

const (
	EntryTPDOCommunicationStart uint16 = 0x1800
	EntryTPDOMappingStart       uint16 = 0x1A00
	MaxMappedEntriesPdo         uint8  = 8
	pdoDisabled                 uint32 = 1 << 31
	TransmissionTypeAsync       uint8  = 0xFF
)

type PDOMappingParameter struct {
	Index      uint16
	Subindex   uint8
	LengthBits uint8
}

func (mapping PDOMappingParameter) raw() uint32 {
	return uint32(mapping.Index)<<16 + uint32(mapping.Subindex)<<8 + uint32(mapping.LengthBits)
}

// Default COB-ID of TPDO tpdoNb (1 to 4) of a node
func TPDOCobId(tpdoNb uint16, nodeId uint8) uint32 {
	return 0x180 + 0x100*uint32(tpdoNb-1) + uint32(nodeId)
}

// Writes remapping a TPDO: the PDO is disabled, the mapping replaced,
// then the PDO is enabled again on its default COB-ID.
// Setting the transmission type is optional, some drives have it read only.
func TPDOMapping(tpdoNb uint16, nodeId uint8, transmissionType uint8, mappings []PDOMappingParameter) Plan {
	commIndex := EntryTPDOCommunicationStart + tpdoNb - 1
	mappingIndex := EntryTPDOMappingStart + tpdoNb - 1
	cobId := TPDOCobId(tpdoNb, nodeId)

	plan := Plan{
		{Index: commIndex, Subindex: 1, Value: cobId | pdoDisabled, Size: 4},
		// First clear nb of mapped entries
		{Index: mappingIndex, Subindex: 0, Value: 0, Size: 1},
	}
	for sub, mapping := range mappings {
		if sub >= int(MaxMappedEntriesPdo) {
			break
		}
		plan = append(plan, Entry{Index: mappingIndex, Subindex: uint8(sub) + 1, Value: mapping.raw(), Size: 4})
	}
	return append(plan,
		Entry{Index: mappingIndex, Subindex: 0, Value: uint32(len(plan) - 2), Size: 1},
		Entry{Index: commIndex, Subindex: 1, Value: cobId, Size: 4},
		Entry{Index: commIndex, Subindex: 2, Value: uint32(transmissionType), Size: 1, Optional: true},
	)
}
