package config

import (
	"github.com/pkg/errors"
	"github.com/sledlab/gosled/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

// One expedited dictionary write of the boot time configuration
type Entry struct {
	Index    uint16
	Subindex uint8
	Value    uint32
	Size     uint8
	Optional bool // failure is logged but does not fail the upload
}

// Ordered list of writes uploaded to the remote node
type Plan []Entry

// Dictionary writes, implemented by [sdo.Client]
type Writer interface {
	Write(index uint16, subindex uint8, value uint32, size uint8, onWritten func(uint16, uint8), onFailure func(uint16, uint8, error)) (sdo.TxID, error)
}

// NodeConfigurator uploads CANopen reserved configuration objects
// (objects between 0x1000 and 0x2000) and manufacturer objects to a node.
// Writes are queued at once on the SDO client which sends them in order.
type NodeConfigurator struct {
	client Writer
}

func NewNodeConfigurator(client Writer) *NodeConfigurator {
	return &NodeConfigurator{client: client}
}

// Queue every write of plan, done receives the failures of non optional
// writes once every write resolved
func (config *NodeConfigurator) Upload(plan Plan, done func(error)) {
	remaining := len(plan)
	var failures []error
	if remaining == 0 {
		done(nil)
		return
	}
	resolve := func(entry Entry, err error) {
		if err != nil {
			if entry.Optional {
				log.Warnf("[CONFIG] optional write x%x:x%x failed : %v", entry.Index, entry.Subindex, err)
			} else {
				log.Errorf("[CONFIG] write x%x:x%x = x%x failed : %v", entry.Index, entry.Subindex, entry.Value, err)
				failures = append(failures, errors.Wrapf(err, "configuring x%x:x%x", entry.Index, entry.Subindex))
			}
		}
		remaining--
		if remaining > 0 {
			return
		}
		if len(failures) > 0 {
			done(failures[0])
			return
		}
		log.Infof("[CONFIG] uploaded %d entries", len(plan))
		done(nil)
	}
	for _, entry := range plan {
		entry := entry
		_, err := config.client.Write(entry.Index, entry.Subindex, entry.Value, entry.Size,
			func(uint16, uint8) { resolve(entry, nil) },
			func(_ uint16, _ uint8, err error) { resolve(entry, err) })
		if err != nil {
			resolve(entry, err)
		}
	}
}
