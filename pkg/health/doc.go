/*
Package health provides TCP reachability probing for database servers.

The reconciler uses TCPChecker (or another Checker it is given) on a
timer to detect servers that should transition to FAULTY. ServerRegistry
does not probe an address before handing out a pooled ServerConn. Status tracks consecutive failures so a single blip does not
flip a server's state; Config.Retries controls that threshold.
*/
package health
