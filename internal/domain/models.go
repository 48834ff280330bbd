package domain

import "time"

// Post is a feed entry as served by the upstream API.
type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Likes        []string  `json:"likes"`
	CommentCount int       `json:"commentCount"`
	Views        int64     `json:"views"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Comment belongs to exactly one post. A comment-level update must only
// touch the owning post's comments entry, never the post list itself.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	Likes     []string  `json:"likes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the authenticated user's account record.
type Profile struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email" validate:"omitempty,email"`
	DisplayName string    `json:"displayName" validate:"omitempty,max=80"`
	AvatarURL   string    `json:"avatarUrl"`
	Bio         string    `json:"bio" validate:"omitempty,max=500"`
	Country     string    `json:"country" validate:"omitempty,iso3166_1_alpha2"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Session is the result of exchanging an identity-provider credential
// for a backend session.
type Session struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
