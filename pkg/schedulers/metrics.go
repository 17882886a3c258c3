package schedulers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var WorkItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_work_items_added_total",
	Help: "The total number of work items added to the scheduler",
}, []string{"ident", "type"})

var WorkItemsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_work_items_rejected_total",
	Help: "The total number of work items rejected because the scheduler was stopping",
}, []string{"ident", "type"})

var WorkItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scheduler_work_items_processed_total",
	Help: "The total number of work items processed by the scheduler",
}, []string{"ident", "type"})

var WorkItemsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scheduler_work_items_active",
	Help: "The number of work items currently being processed by the scheduler",
}, []string{"ident", "type"})

var WorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scheduler_workers_active",
	Help: "The number of workers currently running in the scheduler",
}, []string{"ident", "type"})

var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scheduler_queue_depth",
	Help: "The number of work items waiting in the scheduler queue",
}, []string{"ident", "type"})
