package task

// TaskStats 聚合了任务状态的统计信息，各状态之和等于 Total。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// add 按状态累加计数，未知状态只计入总数。
func (s *TaskStats) add(status Status, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusRunning:
		s.Running += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	}
}
