package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bloodbank/pkg/domain"
)

const migrateLockID int64 = 51205120

var activeRequestStatuses = []string{
	string(domain.RequestPending),
	string(domain.RequestApproved),
	string(domain.RequestSent),
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &InventoryModel{}, &DonationModel{}, &BloodRequestModel{}, &EmailLogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return upsertUser(s.db, &model).Error
}

// upsertUser writes every column as given; zero values such as available=false
// must reach the row, so no column carries a gorm default.
func upsertUser(db *gorm.DB, model *UserModel) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "email", "password_hash", "role", "status", "blood_group", "age",
			"available", "hospital_name", "city", "contact", "updated_at",
		}),
	}).Create(model)
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns users matching filter ordered by created_at.
func (s *GormStore) ListUsers(filter UserFilter) ([]domain.User, error) {
	tx := s.db.Model(&UserModel{}).Order("created_at ASC")
	if len(filter.IDs) > 0 {
		tx = tx.Where("id IN ?", filter.IDs)
	}
	if filter.Role != "" {
		tx = tx.Where("role = ?", string(filter.Role))
	}
	if filter.BloodGroup != "" {
		tx = tx.Where("blood_group = ?", string(filter.BloodGroup))
	}
	if city := strings.TrimSpace(filter.City); city != "" {
		tx = tx.Where("LOWER(city) = LOWER(?)", city)
	}
	if filter.AvailableOnly {
		tx = tx.Where("available = ?", true)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []UserModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// DeleteUser permanently removes a user. Donations and requests keep their references.
func (s *GormStore) DeleteUser(id string) (bool, error) {
	res := s.db.Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EnsureInventory creates a zero row for every group that has none and returns how many were created.
func (s *GormStore) EnsureInventory(groups []domain.BloodGroup) (int, error) {
	created := 0
	now := time.Now().UTC()
	for _, g := range groups {
		model := InventoryModel{BloodGroup: string(g), CreatedAt: now, UpdatedAt: now}
		res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return created, fmt.Errorf("ensure inventory %s: %w", g, res.Error)
		}
		created += int(res.RowsAffected)
	}
	return created, nil
}

// AdjustInventory atomically applies delta to the group's row.
func (s *GormStore) AdjustInventory(group domain.BloodGroup, delta int) (domain.InventoryUnit, error) {
	return adjustInventory(s.db, group, delta)
}

func adjustInventory(tx *gorm.DB, group domain.BloodGroup, delta int) (domain.InventoryUnit, error) {
	var model InventoryModel
	res := tx.Model(&model).
		Clauses(clause.Returning{}).
		Where("blood_group = ? AND units_available + ? >= 0", string(group), delta).
		Updates(map[string]any{
			"units_available": gorm.Expr("units_available + ?", delta),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.InventoryUnit{}, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&InventoryModel{}).Where("blood_group = ?", string(group)).Count(&count).Error; err != nil {
			return domain.InventoryUnit{}, err
		}
		if count == 0 {
			return domain.InventoryUnit{}, fmt.Errorf("inventory %s: %w", group, ErrNotFound)
		}
		return domain.InventoryUnit{}, fmt.Errorf("inventory %s: %w", group, ErrInsufficientUnits)
	}
	return inventoryFromModel(model), nil
}

// ListInventory returns all rows sorted by blood group label.
func (s *GormStore) ListInventory() ([]domain.InventoryUnit, error) {
	var models []InventoryModel
	if err := s.db.Order(`blood_group COLLATE "C" ASC`).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.InventoryUnit, 0, len(models))
	for _, m := range models {
		res = append(res, inventoryFromModel(m))
	}
	return res, nil
}

// RecordDonation inserts the donation and credits inventory in one transaction.
// A failed credit rolls back the insert, so no donation row exists without its credit.
func (s *GormStore) RecordDonation(d domain.Donation) (domain.Donation, domain.InventoryUnit, error) {
	var unit domain.InventoryUnit
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model := donationToModel(d)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert donation: %w", err)
		}
		var err error
		unit, err = adjustInventory(tx, d.BloodGroup, d.UnitsDonated)
		return err
	})
	if err != nil {
		return domain.Donation{}, domain.InventoryUnit{}, err
	}
	return d, unit, nil
}

// ListDonations returns donations newest first.
func (s *GormStore) ListDonations(filter DonationFilter) ([]domain.Donation, error) {
	tx := s.db.Order("donation_date DESC")
	if filter.DonorID != "" {
		tx = tx.Where("donor_id = ?", filter.DonorID)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []DonationModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return donationsFromModels(models), nil
}

// SaveRequest stores or updates a blood request.
func (s *GormStore) SaveRequest(r domain.BloodRequest) error {
	model := requestToModel(r)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// GetRequest retrieves a blood request.
func (s *GormStore) GetRequest(id string) (domain.BloodRequest, bool, error) {
	var model BloodRequestModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BloodRequest{}, false, nil
		}
		return domain.BloodRequest{}, false, err
	}
	return requestFromModel(model), true, nil
}

// FindActiveRequest returns the newest active request for a hospital/donor/blood group triple.
func (s *GormStore) FindActiveRequest(hospitalID, donorID string, group domain.BloodGroup) (domain.BloodRequest, bool, error) {
	var model BloodRequestModel
	err := s.db.
		Where("hospital_id = ? AND donor_id = ? AND blood_group = ?", hospitalID, donorID, string(group)).
		Where("status IN ?", activeRequestStatuses).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BloodRequest{}, false, nil
		}
		return domain.BloodRequest{}, false, err
	}
	return requestFromModel(model), true, nil
}

// ListRequests returns requests newest first.
func (s *GormStore) ListRequests(filter RequestFilter) ([]domain.BloodRequest, error) {
	tx := applyRequestFilter(s.db.Model(&BloodRequestModel{}), filter).Order("created_at DESC")
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []BloodRequestModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.BloodRequest, 0, len(models))
	for _, m := range models {
		res = append(res, requestFromModel(m))
	}
	return res, nil
}

// CountRequests counts requests matching filter; Limit is ignored.
func (s *GormStore) CountRequests(filter RequestFilter) (int, error) {
	var count int64
	if err := applyRequestFilter(s.db.Model(&BloodRequestModel{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountRequestsByBloodGroup groups request counts per blood group.
func (s *GormStore) CountRequestsByBloodGroup() (map[domain.BloodGroup]int, error) {
	var rows []struct {
		BloodGroup string
		Count      int
	}
	if err := s.db.Model(&BloodRequestModel{}).
		Select("blood_group, COUNT(*) AS count").
		Group("blood_group").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.BloodGroup]int, len(rows))
	for _, row := range rows {
		out[domain.BloodGroup(row.BloodGroup)] = row.Count
	}
	return out, nil
}

func applyRequestFilter(tx *gorm.DB, filter RequestFilter) *gorm.DB {
	if filter.HospitalID != "" {
		tx = tx.Where("hospital_id = ?", filter.HospitalID)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.BloodGroup != "" {
		tx = tx.Where("blood_group = ?", string(filter.BloodGroup))
	}
	return tx
}

// AppendEmailLog records one dispatch attempt.
func (s *GormStore) AppendEmailLog(entry domain.EmailLog) error {
	model := emailLogToModel(entry)
	return s.db.Create(&model).Error
}

// ListEmailLogs returns logs for a request, oldest first.
func (s *GormStore) ListEmailLogs(requestID string) ([]domain.EmailLog, error) {
	var models []EmailLogModel
	if err := s.db.Where("request_id = ?", requestID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.EmailLog, 0, len(models))
	for _, m := range models {
		res = append(res, emailLogFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		BloodGroup:   string(u.BloodGroup),
		Age:          u.Age,
		Available:    u.Available,
		HospitalName: u.HospitalName,
		City:         u.City,
		Contact:      u.Contact,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		BloodGroup:   domain.BloodGroup(m.BloodGroup),
		Age:          m.Age,
		Available:    m.Available,
		HospitalName: m.HospitalName,
		City:         m.City,
		Contact:      m.Contact,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func inventoryFromModel(m InventoryModel) domain.InventoryUnit {
	return domain.InventoryUnit{
		BloodGroup:     domain.BloodGroup(m.BloodGroup),
		UnitsAvailable: m.UnitsAvailable,
		UpdatedAt:      m.UpdatedAt,
	}
}

func donationToModel(d domain.Donation) DonationModel {
	var restock []byte
	if d.Restock != nil {
		restock, _ = json.Marshal(d.Restock)
	}
	return DonationModel{
		ID:           d.ID,
		DonorID:      d.DonorID,
		DonorName:    d.DonorName,
		BloodGroup:   string(d.BloodGroup),
		UnitsDonated: d.UnitsDonated,
		DonationDate: d.DonationDate,
		HospitalID:   d.HospitalID,
		HospitalName: d.HospitalName,
		Status:       string(d.Status),
		Restock:      restock,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func donationFromModel(m DonationModel) domain.Donation {
	var restock *domain.RestockAssistance
	if len(m.Restock) > 0 {
		var r domain.RestockAssistance
		if err := json.Unmarshal(m.Restock, &r); err == nil {
			restock = &r
		}
	}
	return domain.Donation{
		ID:           m.ID,
		DonorID:      m.DonorID,
		DonorName:    m.DonorName,
		BloodGroup:   domain.BloodGroup(m.BloodGroup),
		UnitsDonated: m.UnitsDonated,
		DonationDate: m.DonationDate,
		HospitalID:   m.HospitalID,
		HospitalName: m.HospitalName,
		Status:       domain.DonationStatus(m.Status),
		Restock:      restock,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func donationsFromModels(models []DonationModel) []domain.Donation {
	res := make([]domain.Donation, 0, len(models))
	for _, m := range models {
		res = append(res, donationFromModel(m))
	}
	return res
}

func requestToModel(r domain.BloodRequest) BloodRequestModel {
	return BloodRequestModel{
		ID:             r.ID,
		HospitalID:     r.HospitalID,
		HospitalName:   r.HospitalName,
		DonorID:        r.DonorID,
		DonorName:      r.DonorName,
		DonorEmail:     r.DonorEmail,
		BloodGroup:     string(r.BloodGroup),
		UnitsRequired:  r.UnitsRequired,
		Urgency:        string(r.Urgency),
		PatientName:    r.PatientName,
		ContactPerson:  r.ContactPerson,
		ContactNumber:  r.ContactNumber,
		Location:       r.Location,
		Purpose:        r.Purpose,
		Status:         string(r.Status),
		EmailSent:      r.EmailSent,
		EmailMessageID: r.EmailMessageID,
		EmailSentAt:    r.EmailSentAt,
		Notes:          r.Notes,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		FulfilledAt:    r.FulfilledAt,
	}
}

func requestFromModel(m BloodRequestModel) domain.BloodRequest {
	return domain.BloodRequest{
		ID:             m.ID,
		HospitalID:     m.HospitalID,
		HospitalName:   m.HospitalName,
		DonorID:        m.DonorID,
		DonorName:      m.DonorName,
		DonorEmail:     m.DonorEmail,
		BloodGroup:     domain.BloodGroup(m.BloodGroup),
		UnitsRequired:  m.UnitsRequired,
		Urgency:        domain.Urgency(m.Urgency),
		PatientName:    m.PatientName,
		ContactPerson:  m.ContactPerson,
		ContactNumber:  m.ContactNumber,
		Location:       m.Location,
		Purpose:        m.Purpose,
		Status:         domain.RequestStatus(m.Status),
		EmailSent:      m.EmailSent,
		EmailMessageID: m.EmailMessageID,
		EmailSentAt:    m.EmailSentAt,
		Notes:          m.Notes,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		FulfilledAt:    m.FulfilledAt,
	}
}

func emailLogToModel(e domain.EmailLog) EmailLogModel {
	meta, _ := json.Marshal(e.Metadata)
	return EmailLogModel{
		ID:          e.ID,
		RequestID:   e.RequestID,
		Template:    e.Template,
		FromAddress: e.From,
		ToAddress:   e.To,
		Subject:     e.Subject,
		Status:      string(e.Status),
		MessageID:   e.MessageID,
		Error:       e.Error,
		Metadata:    meta,
		CreatedAt:   e.CreatedAt,
	}
}

func emailLogFromModel(m EmailLogModel) domain.EmailLog {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.EmailLog{
		ID:        m.ID,
		RequestID: m.RequestID,
		Template:  m.Template,
		From:      m.FromAddress,
		To:        m.ToAddress,
		Subject:   m.Subject,
		Status:    domain.EmailStatus(m.Status),
		MessageID: m.MessageID,
		Error:     m.Error,
		Metadata:  meta,
		CreatedAt: m.CreatedAt,
	}
}
