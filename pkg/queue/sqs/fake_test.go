package sqs

import (
	"testing"
	"time"

	"github.com/nimburion/jobwatch/pkg/lifecycle"
	"github.com/nimburion/jobwatch/pkg/lifecycle/lifecycletest"
	"github.com/nimburion/jobwatch/pkg/queue/sqs/sqstest"
	"github.com/nimburion/jobwatch/pkg/testutil"
)

type fakeAPI = sqstest.Fake

var _ API = (*fakeAPI)(nil)

func newRecordingDispatcher(t *testing.T) (*lifecycle.SyncDispatcher, *lifecycletest.Recorder) {
	t.Helper()
	return lifecycletest.NewDispatcher(t)
}

const testPrefix = "https://sqs.eu-west-1.amazonaws.com/123456789012"

func newTestQueue(t *testing.T, api API, dispatcher lifecycle.Dispatcher) *Queue {
	t.Helper()
	q, err := NewQueue(api, Config{ConnectionName: "sqs", Queue: "default", Prefix: testPrefix}, dispatcher, &testutil.MockLogger{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return q
}

type sendEmail struct {
	To string `json:"to"`
}

func (sendEmail) Tags() []string { return []string{"mail", "customer:7", "mail"} }
