// Command mssql-replicator runs the replication sets described by a
// YAML config file once per invocation.
package main

func main() {
	Execute()
}
