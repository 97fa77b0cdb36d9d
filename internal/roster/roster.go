package roster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"HpcMonitor/internal/database"
)

var log = logrus.WithField("component", "Roster")

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	HpcID        string    `gorm:"column:hpc_id;type:varchar(64);not null;uniqueIndex:uk_hpc_user_id" json:"hpc_id"`
	Username     string    `gorm:"column:username;type:varchar(128);index" json:"username"`
	Realname     string    `gorm:"column:realname;type:varchar(128)" json:"realname"`
	Email        string    `gorm:"column:email;type:varchar(255)" json:"email"`
	Phone        string    `gorm:"column:phone;type:varchar(64)" json:"phone"`
	RoleName     string    `gorm:"column:role_name;type:varchar(255)" json:"role_name"`
	RegisterTime string    `gorm:"column:register_time;type:varchar(32)" json:"register_time"`
	Status       string    `gorm:"column:status;type:varchar(32)" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "t_hpc_user_info" }

func AutoMigrate(db *gorm.DB) error {
	return database.Migrate(db, &User{})
}

// Source lists every user registered upstream.
type Source interface {
	Users(ctx context.Context) ([]gjson.Result, error)
}

type Filter struct {
	// Username matches a substring of the username or the real name.
	Username string
	Status   string
	Role     string
}

type Service struct {
	db     *gorm.DB
	source Source
}

func NewService(db *gorm.DB, source Source) *Service {
	return &Service{db: db, source: source}
}

// Refresh pulls the upstream user list and upserts it by upstream id.
func (s *Service) Refresh(ctx context.Context) error {
	start := time.Now()
	records, err := s.source.Users(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch users: %w", err)
	}

	users := make([]User, 0, len(records))
	for _, rec := range records {
		u := parseUser(rec)
		if u.HpcID == "" {
			log.Debugf("Skipping user record without id: %s", rec.Raw)
			continue
		}
		users = append(users, u)
	}
	if len(users) == 0 {
		log.Info("Upstream returned no users")
		return nil
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hpc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "realname", "email", "phone", "role_name", "register_time", "status", "updated_at",
		}),
	}).CreateInBatches(&users, 500).Error
	if err != nil {
		return fmt.Errorf("failed to store users: %w", err)
	}

	log.Infof("Refreshed %d users in %s", len(users), time.Since(start).Truncate(time.Millisecond))
	return nil
}

func parseUser(rec gjson.Result) User {
	var roles []string
	for _, r := range rec.Get("roleNameList").Array() {
		roles = append(roles, r.String())
	}
	return User{
		HpcID:        rec.Get("id").String(),
		Username:     rec.Get("username").String(),
		Realname:     rec.Get("realname").String(),
		Email:        rec.Get("email").String(),
		Phone:        rec.Get("phone").String(),
		RoleName:     strings.Join(roles, ","),
		RegisterTime: rec.Get("createTime").String(),
		Status:       rec.Get("status_dictText").String(),
	}
}

func (s *Service) List(ctx context.Context, f Filter) ([]User, error) {
	q := s.db.WithContext(ctx).Model(&User{})
	if f.Username != "" {
		like := "%" + f.Username + "%"
		q = q.Where("username LIKE ? OR realname LIKE ?", like, like)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Role != "" {
		q = q.Where("role_name LIKE ?", "%"+f.Role+"%")
	}

	var users []User
	if err := q.Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
