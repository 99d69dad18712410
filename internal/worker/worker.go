package worker

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		w.pool.Release(w.jobChannel)
		for {
			select {
			case job := <-w.jobChannel:
				switch job.Type {
				case Convert:
					w.manager.handleConvert(job.Convert)
					w.pool.Release(w.jobChannel)
				case Stop:
					w.pool.retire(w.jobChannel)
					return
				}
			case <-w.quit:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.quit)
}
