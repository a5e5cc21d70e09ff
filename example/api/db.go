package api

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Post is a blog post.
type Post struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
}

// User is a user of the API.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// Database is an in-memory store of posts and users. Posts are kept ordered
// by CreatedAt.
type Database struct {
	mu    sync.RWMutex
	posts []Post
	users []User
	last  int64
}

// NewDatabase returns a database seeded with two posts and one admin user.
func NewDatabase() *Database {
	return &Database{
		posts: []Post{
			{ID: "1", Title: "first post", CreatedAt: 0},
			{ID: "2", Title: "second post", CreatedAt: 1},
		},
		users: []User{
			{ID: "1", Name: "KATT", IsAdmin: true},
		},
		last: 1,
	}
}

// Posts returns a copy of all posts.
func (db *Database) Posts() []Post {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return slices.Clone(db.posts)
}

// Post returns the post with the given id.
func (db *Database) Post(id string) (Post, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, p := range db.posts {
		if p.ID == id {
			return p, true
		}
	}
	return Post{}, false
}

// AddPost stores a new post. CreatedAt is the current time in milliseconds,
// bumped if needed so that it is strictly greater than every earlier post.
func (db *Database) AddPost(title string) Post {
	db.mu.Lock()
	defer db.mu.Unlock()
	createdAt := max(time.Now().UnixMilli(), db.last+1)
	db.last = createdAt
	p := Post{ID: uuid.NewString(), Title: title, CreatedAt: createdAt}
	db.posts = append(db.posts, p)
	return p
}

// DeletePosts removes the posts with the given ids, or all posts when ids is nil.
func (db *Database) DeletePosts(ids []string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	before := len(db.posts)
	if ids == nil {
		db.posts = nil
		return before
	}
	db.posts = slices.DeleteFunc(db.posts, func(p Post) bool {
		return slices.Contains(ids, p.ID)
	})
	return before - len(db.posts)
}

// PostsAfter returns the posts created after createdAt.
func (db *Database) PostsAfter(createdAt int64) []Post {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []Post
	for _, p := range db.posts {
		if p.CreatedAt > createdAt {
			out = append(out, p)
		}
	}
	return out
}

// Page is one page of posts.
type Page struct {
	Items      []Post `json:"items"`
	NextCursor *int64 `json:"nextCursor"`
}

// Paginate returns up to limit posts starting at cursor, which is the
// CreatedAt of the first post to return. NextCursor is nil on the last page.
func (db *Database) Paginate(limit int, cursor *int64) Page {
	db.mu.RLock()
	defer db.mu.RUnlock()
	page := Page{Items: []Post{}}
	for i, p := range db.posts {
		if cursor != nil && p.CreatedAt < *cursor {
			continue
		}
		page.Items = append(page.Items, p)
		if len(page.Items) >= limit {
			if i+1 < len(db.posts) {
				next := db.posts[i+1].CreatedAt
				page.NextCursor = &next
			}
			break
		}
	}
	return page
}

// User returns the user with the given id.
func (db *Database) User(id string) (User, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, u := range db.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// AddUser stores a user.
func (db *Database) AddUser(u User) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users = append(db.users, u)
}

// UserCount returns the number of users.
func (db *Database) UserCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}
