/*
Package health monitors reachability of the backing IPAM system.

The monitor pings the backend on an interval through the read pool, so
probes see the same timeouts and queueing as real traffic. A backend is
marked unreachable only after a configurable number of consecutive failures;
a single success marks it reachable again. The current state is exported via
the ipam reachability gauge and transitions are logged.
*/
package health
