// Package prediction runs classifier predictions on network reports.
//
// Offline predictions classify one existing report. They are submitted to the
// prediction queue and fall back to running in-process when the broker is
// unavailable. Online predictions start a live capture and attach a pump that
// classifies each report the capture produces until the session is stopped.
//
// Every prediction is tracked in the session registry under its prediction id,
// and its artifacts are written below <PredictionsDir>/<predictionId>.
package prediction
