package update

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type releaseInfo struct {
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
}

// Check is the outcome of a release lookup. Security-tagged releases matter
// more to an integrity tool than feature releases, so they are surfaced
// separately.
type Check struct {
	Latest        string
	Notes         string
	UpdateAvail   bool
	SecurityFixes bool
}

const releaseURL = "https://api.github.com/repos/buildsentry/buildsentry/releases/latest"

func CheckForUpdate(current string) (Check, error) {
	return checkForUpdateURL(current, releaseURL)
}

func checkForUpdateURL(current, url string) (Check, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return Check{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Check{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var info releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Check{}, err
	}

	check := Check{Latest: strings.TrimPrefix(info.TagName, "v")}
	if check.Latest != current {
		check.UpdateAvail = true
		check.Notes = info.Body
		check.SecurityFixes = strings.Contains(strings.ToLower(info.Body), "security")
	}
	return check, nil
}
