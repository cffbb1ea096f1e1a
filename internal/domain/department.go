package domain

import "time"

// Department represents a hospital department that owns publications.
type Department struct {
	ID   string
	Name string
}

// Publication is a journal article tracked for a department.
type Publication struct {
	ID           string    `json:"id"`
	DepartmentID string    `json:"departmentId"`
	Title        string    `json:"title"`
	Journal      string    `json:"journal"`
	PublishedAt  time.Time `json:"publishedAt"`
}
