// Copyright 2025 James Ross
package queue

import "fmt"

// Keyspace convention, one set of keys per routing destination
// ("rpa", "miaobi", ...), ported verbatim from RpaConsumer's
// f-string key construction.

func taskQueueKey(dest string) string {
	return fmt.Sprintf("%s:task_queue", dest)
}

func taskInfoKey(dest, taskID string) string {
	return fmt.Sprintf("%s:task_info:%s", dest, taskID)
}

func taskLockKey(dest, taskID string) string {
	return fmt.Sprintf("%s:task_queue_lock:%s", dest, taskID)
}

func taskFailedKey(dest string) string {
	return fmt.Sprintf("%s:task_queue_failed", dest)
}
