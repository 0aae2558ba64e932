// shared/model/build.go
package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a build execution.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

type RepoType string

const (
	RepoGit RepoType = "git"
	RepoSvn RepoType = "svn"
)

type ReleaseMethod string

const (
	ReleaseNone         ReleaseMethod = "none"
	ReleaseOutgiving    ReleaseMethod = "outgiving"
	ReleaseProject      ReleaseMethod = "project"
	ReleaseSSH          ReleaseMethod = "ssh"
	ReleaseLocalCommand ReleaseMethod = "local-command"
)

func (m ReleaseMethod) valid() bool {
	switch m {
	case ReleaseNone, ReleaseOutgiving, ReleaseProject, ReleaseSSH, ReleaseLocalCommand:
		return true
	}
	return false
}

// Repository is the version control location a build target pulls from.
type Repository struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	URL        string   `json:"url"`
	Type       RepoType `json:"type"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	PrivateKey string   `json:"private_key,omitempty"` // PEM, git over ssh
}

// BuildConfig holds the release and packaging settings of a build target.
type BuildConfig struct {
	ResultPath       string        `json:"result_path"` // literal path or ant-style glob
	ReleaseMethod    ReleaseMethod `json:"release_method"`
	ReleaseTargetID  string        `json:"release_target_id,omitempty"`
	PostBuildCommand string        `json:"post_build_command,omitempty"`
	ReleaseCommand   string        `json:"release_command,omitempty"`
}

// Validate checks the fields the engine relies on. An empty release method
// is treated as ReleaseNone.
func (c *BuildConfig) Validate() error {
	if c.ResultPath == "" {
		return fmt.Errorf("result path is required")
	}
	if c.ReleaseMethod == "" {
		c.ReleaseMethod = ReleaseNone
	}
	if !c.ReleaseMethod.valid() {
		return fmt.Errorf("unknown release method: %s", c.ReleaseMethod)
	}
	return nil
}

// BuildTarget is a reusable build definition.
type BuildTarget struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Repository  Repository  `json:"repository"`
	Branch      string      `json:"branch"`
	Tag         string      `json:"tag,omitempty"`
	Script      string      `json:"script"` // newline-separated commands
	Config      BuildConfig `json:"config"`
	Status      Status      `json:"status,omitempty"`
	BuildNumber int         `json:"build_number"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// BuildLogEntry is the persisted record of one execution.
type BuildLogEntry struct {
	ID               string        `json:"id"`
	TargetID         string        `json:"target_id"`
	TargetName       string        `json:"target_name,omitempty"`
	RunID            int           `json:"run_id"`
	Status           Status        `json:"status"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	ResultPath       string        `json:"result_path"`
	ReleaseMethod    ReleaseMethod `json:"release_method"`
	ReleaseTargetID  string        `json:"release_target_id,omitempty"`
	PostBuildCommand string        `json:"post_build_command,omitempty"`
	ReleaseCommand   string        `json:"release_command,omitempty"`
	User             string        `json:"user"`
}
