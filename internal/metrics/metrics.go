package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters exposed on /metrics.
var (
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusalloc_allocations_total",
		Help: "Room allocation attempts by outcome.",
	}, []string{"outcome"})

	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusalloc_conflicts_total",
		Help: "Recorded allocation and scheduling conflicts by reason.",
	}, []string{"reason"})

	ExamSubjectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusalloc_exam_subjects_scheduled_total",
		Help: "Exam subjects placed into calendar slots.",
	})

	InterviewAssignments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusalloc_interview_assignments_total",
		Help: "Interview slot assignments created.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusalloc_events_published_total",
		Help: "Allocation trigger events published by kind.",
	}, []string{"kind"})
)
