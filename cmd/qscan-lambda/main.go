// qscan-lambda scans Lambda functions with the Qualys QScanner whenever
// their code or configuration changes.
package main

func main() {
	Execute()
}
