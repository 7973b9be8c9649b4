// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package monitor

// failedLoginDetector flags principals accumulating failed logins.
type failedLoginDetector struct {
	threshold int
}

func (d *failedLoginDetector) Name() string { return "failed_logins" }

func (d *failedLoginDetector) Detect(a Activity) (*Finding, error) {
	if a.RecentFailures < d.threshold {
		return nil, nil
	}
	return &Finding{
		Type: IncidentMultipleFailedLogins,
		Details: map[string]any{
			"failures":  a.RecentFailures,
			"threshold": d.threshold,
		},
	}, nil
}

// multiDeviceDetector flags accounts with sessions on too many devices.
type multiDeviceDetector struct {
	threshold int
}

func (d *multiDeviceDetector) Name() string { return "multi_device" }

func (d *multiDeviceDetector) Detect(a Activity) (*Finding, error) {
	if a.ActiveDevices < d.threshold {
		return nil, nil
	}
	return &Finding{
		Type: IncidentMultipleDevices,
		Details: map[string]any{
			"devices":   a.ActiveDevices,
			"threshold": d.threshold,
		},
	}, nil
}

// rapidRequestDetector flags request bursts beyond human pace.
type rapidRequestDetector struct {
	threshold int
}

func (d *rapidRequestDetector) Name() string { return "rapid_requests" }

func (d *rapidRequestDetector) Detect(a Activity) (*Finding, error) {
	if a.RecentRequests < d.threshold {
		return nil, nil
	}
	return &Finding{
		Type: IncidentRapidRequests,
		Details: map[string]any{
			"requests":  a.RecentRequests,
			"threshold": d.threshold,
		},
	}, nil
}

// offHoursDetector flags activity inside the quiet window. Race operations
// run around the clock on event weekends, so this is informational only.
type offHoursDetector struct {
	startHour int
	endHour   int
}

func (d *offHoursDetector) Name() string { return "off_hours" }

func (d *offHoursDetector) Detect(a Activity) (*Finding, error) {
	hour := a.At.Hour()
	if hour < d.startHour || hour >= d.endHour {
		return nil, nil
	}
	return &Finding{
		Type: IncidentOffHoursAccess,
		Details: map[string]any{
			"hour":         hour,
			"quiet_window": []int{d.startHour, d.endHour},
		},
	}, nil
}
