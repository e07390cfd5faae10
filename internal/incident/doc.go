// Package incident is the business boundary for aftermath's incident lifecycle.
// It defines the domain model, the Service that sequences classification,
// reporting, postmortem synthesis, ticketing and knowledge indexing, and the
// capability interfaces those collaborators implement.
package incident
