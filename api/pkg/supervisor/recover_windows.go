//go:build windows

package supervisor

import "os/exec"

// recoverConsole reattaches this session to the physical console with
// tscon, elevating first when needed. Restores rendering after an RDP
// client disconnects and leaves the session headless.
const consoleSwitchScript = `
$sessionId = (Get-Process -Id $PID).SessionId
function Invoke-Tscon {
    param($Id)
    & tscon $Id /dest:console
    $rc = $LASTEXITCODE
    if ($rc -ne 0) { throw "tscon exited with code $rc" }
}
$isAdmin = ([Security.Principal.WindowsPrincipal] [Security.Principal.WindowsIdentity]::GetCurrent()).IsInRole([Security.Principal.WindowsBuiltInRole]::Administrator)
if (-not $isAdmin) {
    Start-Process powershell -Verb RunAs -ArgumentList "-NoProfile -WindowStyle Hidden -Command ` + "`" + `"& { tscon $sessionId /dest:console }` + "`" + `""
    return
}
Invoke-Tscon -Id $sessionId
`

func recoverConsole() {
	cmd := exec.Command("powershell",
		"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
		"-Command", consoleSwitchScript)
	_ = cmd.Run()
}
