package temporal

import (
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

const TaskQueue = "dalcore-iteration-queue"

// StartWorker connects to Temporal and starts the Iteration Engine's task
// queue worker. acts carries every capability client IterationWorkflow's
// activities drive (ML service, Project Registry Client, Exporter,
// checkpoint store, event bus).
func StartWorker(hostPort string, acts *Activities) error {
	c, err := client.Dial(client.Options{
		HostPort: hostPort,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})

	w.RegisterWorkflow(IterationWorkflow)

	w.RegisterActivity(acts.TrainAndQueryActivity)
	w.RegisterActivity(acts.OpenVotingBatchActivity)
	w.RegisterActivity(acts.PollBatchStatusActivity)
	w.RegisterActivity(acts.ExportRoundActivity)
	w.RegisterActivity(acts.FinalizeRoundActivity)
	w.RegisterActivity(acts.FinalTrainingActivity)

	log.Printf("temporal worker started on %s", TaskQueue)
	return w.Run(worker.InterruptCh())
}
