package core

// InitAllCommands registers every command and response handled by the
// firmware. Target main calls this once at boot before building the
// transport.
func InitAllCommands() {
	InitCoreCommands()
	InitSPICommands()
	InitSensorBulkResponses()
	InitTriggerSyncCommands()
	InitLoadCellEndstopCommands()
	InitADS1220Commands()
	InitHX71xCommands()
}

// RunTasks executes one iteration of the firmware's cooperative loop:
// dispatch due timers, then service any pending sensor captures. Target
// main calls this from its main loop between transport polls.
func RunTasks() {
	ProcessTimers()
	ADS1220CaptureTask()
	HX71xCaptureTask()
}
