// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// Reason 说明任务为什么被投递。
type Reason string

const (
	ReasonUpload  Reason = "upload"
	ReasonResolve Reason = "resolve"
	ReasonReparse Reason = "reparse"
	ReasonResume  Reason = "resume"
)

// FileTask 只携带文件 id，处理进度以数据库中的状态为准。
type FileTask struct {
	FileID string `json:"file_id"`
	Reason Reason `json:"reason"`
}
