// Package classifier runs the external flow classifier on report files and
// reads the artifacts it leaves behind.
//
// The classifier is an opaque executable invoked as
//
//	<command...> <reportPath> <modelPath> <outputDir>
//
// with its output appended to a per-run log file. It writes a cumulative
// stats.csv (rows of normal,malicious,total without a header, the last row
// being authoritative), attacks.csv and normals.csv with flow details, and
// predictions.csv with every scored flow.
package classifier
