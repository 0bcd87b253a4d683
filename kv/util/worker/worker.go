package worker

import "sync"

// Task is any unit of background work. Handlers type-switch on the
// concrete task types they accept.
type Task interface{}

// TaskStop shuts a worker down when sent on its channel.
type TaskStop struct{}

type TaskHandler interface {
	Handle(t Task)
}

// Starter lets a handler run setup on the worker goroutine before the
// first task is consumed.
type Starter interface {
	Start()
}

// Worker runs a single goroutine that drains tasks from Sender into a
// handler. Raftstore hands slow work (snapshots, log compaction, split
// checks, scheduler calls) to workers so the raft loop never blocks.
type Worker struct {
	name     string
	Sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	wg       *sync.WaitGroup
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		name:     name,
		Sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		wg:       wg,
	}
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Stop() {
	w.Sender <- TaskStop{}
}
