package models

import (
	"time"

	"gorm.io/datatypes"
)

type CommandStatus string

const (
	CommandQueued  CommandStatus = "queued"
	CommandClaimed CommandStatus = "claimed"
	CommandDone    CommandStatus = "done"
	CommandFailed  CommandStatus = "failed"
	CommandExpired CommandStatus = "expired"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandDone || s == CommandFailed || s == CommandExpired
}

// Command is one row of the device command queue.
type Command struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	DeviceID    string         `gorm:"column:device_id;size:64;index:idx_cmd_dev_status,priority:1" json:"device_id"`
	Command     string         `gorm:"column:command;size:64" json:"command"`
	Params      datatypes.JSON `gorm:"column:params" json:"params"`
	Status      CommandStatus  `gorm:"size:16;index:idx_cmd_dev_status,priority:2;index:idx_cmd_status_updated,priority:1" json:"status"`
	Attempts    int            `gorm:"default:0" json:"attempts"`
	Requeues    int            `gorm:"default:0" json:"requeues"`
	RequestedBy string         `gorm:"size:128" json:"requested_by,omitempty"`
	Result      datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `gorm:"index:idx_cmd_status_updated,priority:2" json:"updated_at"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
}
