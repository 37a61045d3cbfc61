package orchestrator

import "github.com/kiranshivaraju/genforge/pkg/models"

// StopIntake cancels the base context without waiting, so tests can observe
// a loop being interrupted between items.
func StopIntake(o *Orchestrator) {
	o.stop()
}

// Launch starts a job that was already created, skipping Prepare.
func Launch(o *Orchestrator, job *models.Job) (<-chan *models.Job, error) {
	return o.launch(job)
}
