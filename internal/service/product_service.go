package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"atelier/internal/domain"
	"atelier/internal/notify"
	"atelier/internal/repository"
)

// ProductService инкапсулирует бизнес-логику каталога.
// Складские счётчики меняются только через леджер
type ProductService struct {
	products repository.ProductRepository
	variants repository.VariantRepository
	ledger   *Ledger
	tx       repository.TxManager
	notifier *notify.Notifier
}

func NewProductService(products repository.ProductRepository, variants repository.VariantRepository, ledger *Ledger, tx repository.TxManager, notifier *notify.Notifier) *ProductService {
	return &ProductService{products: products, variants: variants, ledger: ledger, tx: tx, notifier: notifier}
}

func (s *ProductService) Create(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if p.Name == "" {
		return nil, ErrInvalidInput
	}
	for _, v := range p.Variants {
		if v.SKU == "" || v.Price.IsNegative() || v.StockOnHand < 0 || v.StockReserved < 0 || v.StockReserved > v.StockOnHand {
			return nil, ErrInvalidInput
		}
	}
	cp := p
	cp.IsActive = true
	if err := s.products.CreateProduct(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *ProductService) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.products.GetProduct(ctx, id)
}

// Update меняет описательные поля товара, каталог и остатки не трогает
func (s *ProductService) Update(ctx context.Context, id string, name, description *string, isActive *bool) (*domain.Product, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	p, err := s.products.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if *name == "" {
			return nil, ErrInvalidInput
		}
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	if isActive != nil {
		p.IsActive = *isActive
	}
	if err := s.products.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ProductService) List(ctx context.Context, f repository.ProductFilter) ([]domain.Product, error) {
	return s.products.ListProducts(ctx, f)
}

// AddVariant добавляет SKU к существующему товару
func (s *ProductService) AddVariant(ctx context.Context, v domain.ProductVariant) (*domain.ProductVariant, error) {
	if v.ProductID == "" || v.SKU == "" || v.Price.IsNegative() || v.StockOnHand < 0 || v.StockReserved < 0 || v.StockReserved > v.StockOnHand {
		return nil, ErrInvalidInput
	}
	cp := v
	if err := s.variants.CreateVariant(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *ProductService) GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	v, err := s.variants.GetVariant(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrVariantNotFound
		}
		return nil, err
	}
	return v, nil
}

// UpdateVariant правка цены и остатка администратором. Смена StockOnHand
// идёт через леджер и оставляет строку аудита MANUAL с подписанной дельтой
func (s *ProductService) UpdateVariant(ctx context.Context, id string, price *decimal.Decimal, onHand *int64, adminID string) (*domain.ProductVariant, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	var updated *domain.ProductVariant
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		v, err := s.variants.GetVariant(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrVariantNotFound
			}
			return err
		}
		if price != nil {
			if price.IsNegative() {
				return ErrInvalidInput
			}
			v.Price = *price
			if err := s.variants.UpdateVariant(ctx, v); err != nil {
				return err
			}
		}
		if onHand != nil {
			v, err = s.ledger.SetOnHand(ctx, id, *onHand, adminID, "manual admin update")
			if err != nil {
				return err
			}
		}
		updated = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if onHand != nil {
		s.notifier.StockUpdated(ctx, *updated)
	}
	return updated, nil
}
